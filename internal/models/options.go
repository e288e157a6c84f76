package models

// Option identifiers with control meaning. Every other option id is an opaque answer.
const (
	OptionIDContinue              = "continue"
	OptionIDDoneSelecting         = "done_selecting"
	OptionIDProceedToRegistration = "proceed_to_registration"
	OptionIDTalkToRepresentative  = "talk_to_representative"
	OptionIDCloseChat             = "close_chat"
	OptionIDResume                = "resume"
	OptionIDRestart               = "restart"
	OptionIDStartOver             = "start_over"
	OptionIDHaveMoreQuestions     = "have_more_questions"
)

// IsReservedOptionID reports whether id carries control meaning or names a role,
// and therefore cannot be used as an answer id in a script.
func IsReservedOptionID(id string) bool {
	switch id {
	case OptionIDContinue, OptionIDDoneSelecting, OptionIDProceedToRegistration,
		OptionIDTalkToRepresentative, OptionIDCloseChat, OptionIDResume,
		OptionIDRestart, OptionIDStartOver, OptionIDHaveMoreQuestions:
		return true
	}
	return Role(id).IsValid()
}

// RoleOptions returns the three role quick replies.
func RoleOptions() []Option {
	return []Option{
		{ID: string(RoleFamily), Label: "I need care for a loved one", Subtext: "Family member or guardian"},
		{ID: string(RoleProfessional), Label: "I provide care", Subtext: "Caregiver or care professional"},
		{ID: string(RoleCommunity), Label: "I want to help my community", Subtext: "Volunteer or supporter"},
	}
}

// CompletionOptions returns the two options offered once the questionnaire is done.
func CompletionOptions() []Option {
	return []Option{
		{ID: OptionIDProceedToRegistration, Label: "Complete my registration"},
		{ID: OptionIDTalkToRepresentative, Label: "Talk to a representative"},
	}
}
