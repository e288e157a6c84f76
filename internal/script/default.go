package script

import "github.com/BTreeMap/CarePipe/internal/models"

func sel(id, label string, opts ...models.Option) models.Question {
	return models.Question{ID: id, Label: label, Type: models.QuestionTypeSelect, Options: opts}
}

func multi(id, label string, opts ...models.Option) models.Question {
	return models.Question{ID: id, Label: label, Type: models.QuestionTypeMultiSelect, Options: opts}
}

func text(id, label string, field models.FieldType) models.Question {
	return models.Question{ID: id, Label: label, Type: models.QuestionTypeText, Field: field}
}

func opt(id, label string) models.Option {
	return models.Option{ID: id, Label: label}
}

// Default returns the built-in family, professional and community questionnaire.
func Default() *Table {
	return MustNew(map[models.Role]RoleScript{
		models.RoleFamily: {
			Intent:   "find trusted care for a loved one",
			FollowUp: "Thank you for reaching out. Finding the right care for someone you love matters, and we're here to help.",
			Sections: []Section{
				{
					Title:   "Your Loved One",
					Opening: "First, tell us a little about the person who needs care.",
					Questions: []models.Question{
						sel("care_recipient_relationship", "Who are you arranging care for?",
							opt("parent", "A parent"),
							opt("spouse", "My spouse or partner"),
							opt("grandparent", "A grandparent"),
							opt("child", "My child"),
							opt("other_relative", "Another relative or friend"),
						),
						text("care_recipient_name", "What is their first name?", models.FieldTypeName),
						sel("care_recipient_age", "Which age range are they in?",
							opt("under_18", "Under 18"),
							opt("18_64", "18 to 64"),
							opt("65_79", "65 to 79"),
							opt("80_plus", "80 or older"),
						),
					},
				},
				{
					Title:   "Care Needs",
					Opening: "Now let's talk about the kind of support that would help most.",
					Questions: []models.Question{
						multi("care_types", "What kind of help is needed? Pick all that apply.",
							opt("personal_care", "Bathing and personal care"),
							opt("meals", "Meal preparation"),
							opt("mobility", "Mobility support"),
							opt("medication", "Medication reminders"),
							opt("companionship", "Companionship"),
							opt("transportation", "Transportation"),
						),
						text("care_conditions", "Are there any health conditions or special needs we should know about?", models.FieldTypeNone),
						sel("care_schedule", "What schedule are you looking for?",
							opt("full_time", "Full-time"),
							opt("part_time", "Part-time"),
							opt("overnight", "Overnight"),
							opt("flexible", "Flexible or not sure yet"),
						),
					},
				},
				{
					Title:   "Budget & Contact",
					Opening: "Almost done. A few details so we can match you with the right caregiver.",
					Questions: []models.Question{
						text("care_budget", "What hourly budget do you have in mind?", models.FieldTypeBudget),
						text("family_full_name", "What is your full name?", models.FieldTypeName),
						text("family_email", "What email address should we use to reach you?", models.FieldTypeEmail),
						text("family_phone", "And the best phone number for you?", models.FieldTypePhone),
					},
				},
			},
		},
		models.RoleProfessional: {
			Intent:   "find caregiving work with families who need them",
			FollowUp: "Wonderful! Caregivers like you make all the difference, and we'd love to have you on board.",
			Sections: []Section{
				{
					Title:   "About You",
					Opening: "Let's start with a little about you.",
					Questions: []models.Question{
						text("professional_full_name", "What is your full name?", models.FieldTypeName),
						sel("professional_type", "Which best describes your work?",
							opt("caregiver", "Caregiver"),
							opt("nurse", "Nurse"),
							opt("therapist", "Therapist"),
							opt("care_aide", "Care aide"),
						),
						sel("professional_experience", "How many years of caregiving experience do you have?",
							opt("less_than_1", "Less than a year"),
							opt("1_3", "1 to 3 years"),
							opt("3_5", "3 to 5 years"),
							opt("5_plus", "More than 5 years"),
						),
					},
				},
				{
					Title:   "Skills & Availability",
					Opening: "Next, tell us what you're great at and when you can work.",
					Questions: []models.Question{
						multi("professional_specialties", "Which areas do you specialise in? Pick all that apply.",
							opt("elder_care", "Elder care"),
							opt("dementia", "Dementia and Alzheimer's"),
							opt("special_needs", "Special needs"),
							opt("post_surgery", "Post-surgery recovery"),
							opt("palliative", "Palliative care"),
						),
						multi("professional_availability", "When are you available? Pick all that apply.",
							opt("weekdays", "Weekdays"),
							opt("weekends", "Weekends"),
							opt("nights", "Nights"),
							opt("live_in", "Live-in"),
						),
						text("professional_rate", "What hourly rate are you looking for?", models.FieldTypeBudget),
					},
				},
				{
					Title:   "Contact Details",
					Opening: "Last step: how can families and our team reach you?",
					Questions: []models.Question{
						text("professional_email", "What's your email address?", models.FieldTypeEmail),
						text("professional_phone", "And your phone number?", models.FieldTypePhone),
					},
				},
			},
		},
		models.RoleCommunity: {
			Intent:   "support caregivers and families in their community",
			FollowUp: "That's lovely to hear. Our community is stronger with people like you in it.",
			Sections: []Section{
				{
					Title:   "Getting to Know You",
					Opening: "Let's get to know you a little.",
					Questions: []models.Question{
						text("community_full_name", "What is your full name?", models.FieldTypeName),
						sel("community_motivation", "What brings you to our community?",
							opt("volunteer", "I'd like to volunteer"),
							opt("learn", "I want to learn about caregiving"),
							opt("advocate", "I want to advocate for caregivers"),
							opt("donate", "I'd like to donate or sponsor"),
						),
					},
				},
				{
					Title:   "Ways to Help",
					Opening: "Here's how people usually get involved.",
					Questions: []models.Question{
						multi("community_interests", "Which activities interest you? Pick all that apply.",
							opt("visits", "Friendly visits"),
							opt("errands", "Running errands"),
							opt("events", "Community events"),
							opt("respite", "Respite for family caregivers"),
						),
						sel("community_time", "How much time could you give?",
							opt("few_hours_month", "A few hours a month"),
							opt("few_hours_week", "A few hours a week"),
							opt("flexible_time", "It varies"),
						),
					},
				},
				{
					Title:   "Contact Details",
					Opening: "Finally, how can we stay in touch?",
					Questions: []models.Question{
						text("community_email", "What's your email address?", models.FieldTypeEmail),
						text("community_phone", "And a phone number, if you'd like to share one?", models.FieldTypePhone),
					},
				},
			},
		},
	})
}
