package flow

import "github.com/BTreeMap/CarePipe/internal/models"

// VisibleTranscript returns a copy of msgs in which only the most recent bot
// message keeps its options.
func VisibleTranscript(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].IsUser {
			last = i
			break
		}
	}
	for i, m := range msgs {
		if i != last || len(m.Options) == 0 {
			m.Options = nil
		} else {
			m.Options = append([]models.Option(nil), m.Options...)
		}
		out[i] = m
	}
	return out
}

// lastBotMessage returns the content of the most recent bot message.
func lastBotMessage(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].IsUser {
			return msgs[i].Content
		}
	}
	return ""
}

// optionLabel finds the label of id among opts.
func optionLabel(opts []models.Option, id string) (string, bool) {
	for _, o := range opts {
		if o.ID == id {
			return o.Label, true
		}
	}
	return "", false
}
