package chat

import "edubot/internal/models"

// UI is the presentation boundary the orchestrator drives.
type UI interface {
	Toast(message string)
	ShowMessage(conversationID string, msg models.Message)
	OpenSchoolPicker()
	ShowUpgradePrompt(state models.QuotaState)
}

// NopUI ignores everything.
type NopUI struct{}

func (NopUI) Toast(string)                        {}
func (NopUI) ShowMessage(string, models.Message)  {}
func (NopUI) OpenSchoolPicker()                   {}
func (NopUI) ShowUpgradePrompt(models.QuotaState) {}
