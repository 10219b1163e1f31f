package distribution

import (
	"fmt"
	"strings"

	"github.com/iago/wa-lead-router/internal/domain"
)

const (
	ReplyLateTimeout     = "⏰ O prazo para assumir este lead expirou e ele foi encaminhado para o próximo consultor."
	ReplyAlreadyAccepted = "Você já assumiu este lead. Bom atendimento!"
	ReplyAcceptedByOther = "Este lead já foi assumido por outro consultor."
	ReplyCycleClosed     = "Este lead não está mais disponível para distribuição."
	ReplyInvalidAck      = "Para assumir o lead, responda apenas *OK*."
	ReplyNoPending       = "Você não tem leads pendentes no momento."
	ReplyClientWait      = "Olá! Recebemos sua mensagem. Um de nossos consultores vai falar com você em instantes."
)

// ClaimOfferMessage is sent to the agent receiving an offer.
func ClaimOfferMessage(lead domain.Lead, timeoutMinutes int) string {
	var b strings.Builder
	b.WriteString("*Novo lead disponível!*\n\n")
	fmt.Fprintf(&b, "*Nome:* %s\n", displayName(lead))
	fmt.Fprintf(&b, "*Telefone:* %s\n", lead.Phone)
	if lead.Source != "" {
		fmt.Fprintf(&b, "*Origem:* %s\n", lead.Source)
	}
	fmt.Fprintf(&b, "\nResponda *OK* em até %d minutos para assumir o atendimento.", timeoutMinutes)
	return b.String()
}

// AcceptedMessage confirms a successful claim to the winning agent.
func AcceptedMessage(lead domain.Lead) string {
	return fmt.Sprintf("✅ Lead *%s* atribuído a você.\n*Telefone:* %s", displayName(lead), lead.Phone)
}

// ReplyForReason maps a rejected acknowledgment to the text sent back to the agent.
func ReplyForReason(reason AckReason) string {
	switch reason {
	case AckLateTimeout:
		return ReplyLateTimeout
	case AckAlreadyAccepted:
		return ReplyAlreadyAccepted
	case AckAcceptedByOther:
		return ReplyAcceptedByOther
	case AckCycleClosed:
		return ReplyCycleClosed
	case AckInvalidText:
		return ReplyInvalidAck
	}
	return ReplyNoPending
}

func displayName(lead domain.Lead) string {
	if strings.TrimSpace(lead.Name) == "" {
		return "Sem nome"
	}
	return lead.Name
}
