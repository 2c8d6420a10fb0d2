package services

import (
	"fmt"
	"net/url"
	"strings"
)

// Messages renders every outbound SMS body.
type Messages struct {
	FormBaseURL   string
	SchedulingURL string
	Questions     []string
}

// StepBLink is the participant's link to the second-phase form.
func (m Messages) StepBLink(token string) string {
	return strings.TrimRight(m.FormBaseURL, "/") + "/stepb.html?token=" + url.QueryEscape(token)
}

// Question returns the question at step, or "" when step is out of range.
func (m Messages) Question(step int) string {
	if step < 0 || step >= len(m.Questions) {
		return ""
	}
	return m.Questions[step]
}

func (m Messages) Registered(token string) string {
	return "Thanks for registering. Please complete the rest of your form here: " + m.StepBLink(token)
}

func (m Messages) Updated(token string) string {
	return "Your details were updated. Complete your form here: " + m.StepBLink(token)
}

func (m Messages) InitialSubmitted(token string) string {
	return "Thank you for your submission. To continue, please have your insurance card ready " +
		"(front and back) and complete the second part of your form here: " + m.StepBLink(token)
}

func (m Messages) Resend(token string) string {
	return "Reminder: complete your form " + m.StepBLink(token)
}

func (m Messages) StepBReminder(token string) string {
	return "Reminder: please complete your remaining form here: " + m.StepBLink(token)
}

func (m Messages) StuckReminder(step int) string {
	return "Reminder: " + m.Question(step)
}

func (m Messages) Greeting(name string) string {
	return fmt.Sprintf("Hi %s! %s", name, m.Question(0))
}

func (m Messages) SurveyCompleted() string {
	return "Thank you! You have completed the survey.\n\nSchedule an appointment: " + m.SchedulingURL
}

func (m Messages) StepBCompleted() string {
	return "Thanks, we received your information. We will contact you with next steps.\n\nSchedule an appointment: " + m.SchedulingURL
}
