package dispatch

import (
	"strings"

	"slotbot/internal/config"
	"slotbot/internal/model"
)

// RenderSlots builds the schedule reply. A failed query and an empty
// result get different texts.
func RenderSlots(msgs config.Messages, selections []model.SlotSelection, queryErr error) string {
	if queryErr != nil {
		return msgs.Error
	}
	if len(selections) == 0 {
		return msgs.NoSlots
	}

	var b strings.Builder
	b.WriteString(msgs.Welcome)
	for _, sel := range selections {
		b.WriteString("\n\n📅 *")
		b.WriteString(sel.Day)
		b.WriteString("*")
		for _, slot := range sel.Slots {
			b.WriteString("\n• ")
			b.WriteString(slot)
		}
	}
	if msgs.BookingQuestion != "" {
		b.WriteString("\n\n")
		b.WriteString(msgs.BookingQuestion)
	}
	return b.String()
}
