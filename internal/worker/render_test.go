package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/dispatch/internal/domain"
)

func TestRenderer_InjectsTracking(t *testing.T) {
	r := &Renderer{TrackingBaseURL: "https://t.example.test"}
	c := &domain.Campaign{
		ID: "camp-1", Subject: "Sale", FromName: "Acme", FromEmail: "news@acme.test",
		HTMLContent: `<html><body><a href="https://acme.test/shop">Shop</a></body></html>`,
	}
	task := &domain.SendTask{ID: "task-1", Email: "user@example.test"}

	msg := r.Render(c, task, "trk-abc")

	assert.Equal(t, "user@example.test", msg.Email)
	assert.Equal(t, "Sale", msg.Subject)
	assert.Contains(t, msg.HTMLBody,
		`href="https://t.example.test/track/click/trk-abc?url=https%3A%2F%2Facme.test%2Fshop"`)
	assert.Contains(t, msg.HTMLBody, `src="https://t.example.test/track/open/trk-abc"`)
	assert.Contains(t, msg.HTMLBody, `href="https://t.example.test/unsubscribe/trk-abc"`)
	// Injection lands inside the body, not after the closing tags.
	assert.Contains(t, msg.HTMLBody, "</body></html>")
}

func TestRenderer_NoBaseURLLeavesContentAlone(t *testing.T) {
	r := &Renderer{}
	c := &domain.Campaign{HTMLContent: `<a href="https://acme.test">x</a>`}
	msg := r.Render(c, &domain.SendTask{Email: "u@example.test"}, "trk")
	assert.Equal(t, `<a href="https://acme.test">x</a>`, msg.HTMLBody)
}

func TestRenderer_PixelWithoutBodyTag(t *testing.T) {
	r := &Renderer{TrackingBaseURL: "https://t.example.test"}
	c := &domain.Campaign{HTMLContent: `<p>plain fragment</p>`}
	msg := r.Render(c, &domain.SendTask{Email: "u@example.test"}, "trk")
	assert.Contains(t, msg.HTMLBody, "/track/open/trk")
}
