package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"eventbot/internal/storage"
	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

type regStep int

const (
	regName regStep = iota
	regAge
	regSpecialty
	regCompany
	regTalkTopic
)

// registrationFlow collects a listener or speaker profile step by step and
// upserts the registration at the end. Registering twice for the same
// event updates the stored profile instead of duplicating it.
type registrationFlow struct {
	event  storage.Event
	role   storage.EventRole
	userID int64

	step regStep
	reg  storage.Registration
}

func newRegistrationFlow(ev storage.Event, role storage.EventRole, userID int64) *registrationFlow {
	return &registrationFlow{
		event:  ev,
		role:   role,
		userID: userID,
		step:   regName,
		reg: storage.Registration{
			EventID: ev.ID,
			UserID:  userID,
			Role:    role,
		},
	}
}

func (f *registrationFlow) Step(ctx context.Context, r *Router, msg *transport.Message) (bool, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		r.reply(ctx, msg.ChatID, "Please answer with text, or /cancel.")
		return false, nil
	}

	switch f.step {
	case regName:
		f.reg.Name = text
		f.step = regAge
		r.reply(ctx, msg.ChatID, "How old are you? (send a number, or «-» to skip)")
		return false, nil

	case regAge:
		if text != "-" {
			age, err := strconv.Atoi(text)
			if err != nil || age <= 0 || age > 120 {
				r.reply(ctx, msg.ChatID, "That does not look like an age. Send a number, or «-» to skip.")
				return false, nil
			}
			f.reg.Age = &age
		}
		f.step = regSpecialty
		r.reply(ctx, msg.ChatID, "What is your specialty or field of work?")
		return false, nil

	case regSpecialty:
		f.reg.Specialty = text
		f.step = regCompany
		r.reply(ctx, msg.ChatID, "Which company or organization are you with?")
		return false, nil

	case regCompany:
		f.reg.Company = text
		if f.role == storage.EventRoleSpeaker {
			f.step = regTalkTopic
			r.reply(ctx, msg.ChatID, "What is the topic of your talk?")
			return false, nil
		}
		return true, f.finish(ctx, r, msg.ChatID)

	default: // regTalkTopic
		f.reg.TalkTopic = text
		return true, f.finish(ctx, r, msg.ChatID)
	}
}

func (f *registrationFlow) finish(ctx context.Context, r *Router, chatID int64) error {
	saved, err := r.deps.Store.UpsertRegistration(ctx, f.reg)
	if err != nil {
		return fmt.Errorf("save registration: %w", err)
	}
	r.log.Info("registration saved",
		logx.Int64("event_id", f.event.ID),
		logx.Int64("user_id", f.userID),
		logx.String("role", string(saved.Role)))

	if f.role == storage.EventRoleSpeaker {
		r.reply(ctx, chatID,
			fmt.Sprintf("You are registered as a speaker at «%s». See you there!", f.event.Title))
	} else {
		r.reply(ctx, chatID,
			fmt.Sprintf("You are registered for «%s». See you there!", f.event.Title))
	}
	return nil
}
