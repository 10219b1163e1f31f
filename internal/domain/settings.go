package domain

import "time"

// SystemSettings is the singleton operational configuration.
type SystemSettings struct {
	AckTimeoutMinutes      int
	OperationalStartMinute int
	OperationalEndMinute   int
	Timezone               string
	OutsideHoursReply      string
	UpdatedAt              time.Time
}

func DefaultSystemSettings() SystemSettings {
	return SystemSettings{
		AckTimeoutMinutes:      5,
		OperationalStartMinute: 8 * 60,
		OperationalEndMinute:   18 * 60,
		Timezone:               "America/Sao_Paulo",
		OutsideHoursReply:      "Olá! Nosso atendimento funciona das 08:00 às 18:00. Assim que abrirmos, um consultor vai falar com você.",
	}
}

func (s SystemSettings) AckTimeout() time.Duration {
	return time.Duration(s.AckTimeoutMinutes) * time.Minute
}

// ValidAckTimeout reports whether minutes is one of the supported claim windows.
func ValidAckTimeout(minutes int) bool {
	switch minutes {
	case 5, 10, 15:
		return true
	}
	return false
}
