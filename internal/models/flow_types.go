// Package models defines flow type definitions to avoid circular imports.
package models

// FlowType represents a specific type of persisted flow
type FlowType string

// DataKey represents a key for storing state-specific data
type DataKey string

// Flow type constants.
const (
	FlowTypeRegistrationChat FlowType = "registration_chat"
	FlowTypeSettings         FlowType = "settings"
)

// SettingsOwnerID is the pseudo session id under which process-wide settings are stored.
const SettingsOwnerID = "__settings__"

// Data key constants for the registration chat flow.
const (
	DataKeyMessages        DataKey = "messages"            // JSON transcript
	DataKeyProgress        DataKey = "progress"            // JSON Progress blob
	DataKeyLastMessage     DataKey = "lastMessage"         // last bot utterance shown
	DataKeyLastIntro       DataKey = "lastIntro"           // last intro line shown
	DataKeyTransitioning   DataKey = "transitioningToForm" // set when handing off to registration
	DataKeyAutoRedirect    DataKey = "autoRedirectToDash"  // set when the form should redirect to the dashboard
	DataKeyRegistrationURL DataKey = "registrationURL"     // prefill URL produced at completion
	DataKeyChatConfig      DataKey = "chatConfig"          // JSON ChatConfig (settings flow only)
)
