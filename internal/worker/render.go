package worker

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/ignite/dispatch/internal/domain"
	"github.com/ignite/dispatch/internal/sender"
)

var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// Renderer turns a campaign plus one task into a transport-ready message.
// Tracking is injected at render time: links are rewritten through the click
// endpoint and an open pixel is appended, both keyed by the task's tracking
// ID so engagement resolves back to this exact send.
type Renderer struct {
	// TrackingBaseURL is the public origin of the tracking server,
	// e.g. https://t.example.com. Empty disables injection.
	TrackingBaseURL string
}

// Render builds the outgoing message for one recipient.
func (r *Renderer) Render(c *domain.Campaign, task *domain.SendTask, trackingID string) *sender.Message {
	html := c.HTMLContent
	if r.TrackingBaseURL != "" && trackingID != "" {
		html = r.rewriteLinks(html, trackingID)
		html = r.appendPixel(html, trackingID)
		html = r.appendUnsubscribe(html, trackingID)
	}

	return &sender.Message{
		TaskID:     task.ID,
		CampaignID: c.ID,
		Email:      task.Email,
		FromName:   c.FromName,
		FromEmail:  c.FromEmail,
		Subject:    c.Subject,
		HTMLBody:   html,
	}
}

func (r *Renderer) rewriteLinks(html, trackingID string) string {
	return hrefPattern.ReplaceAllStringFunc(html, func(match string) string {
		target := hrefPattern.FindStringSubmatch(match)[1]
		return fmt.Sprintf(`href="%s/track/click/%s?url=%s"`,
			r.TrackingBaseURL, trackingID, url.QueryEscape(target))
	})
}

func (r *Renderer) appendPixel(html, trackingID string) string {
	pixel := fmt.Sprintf(`<img src="%s/track/open/%s" width="1" height="1" alt="" style="display:none">`,
		r.TrackingBaseURL, trackingID)
	if idx := strings.LastIndex(html, "</body>"); idx >= 0 {
		return html[:idx] + pixel + html[idx:]
	}
	return html + pixel
}

func (r *Renderer) appendUnsubscribe(html, trackingID string) string {
	link := fmt.Sprintf(`<p style="font-size:11px;color:#999"><a href="%s/unsubscribe/%s">Unsubscribe</a></p>`,
		r.TrackingBaseURL, trackingID)
	if idx := strings.LastIndex(html, "</body>"); idx >= 0 {
		return html[:idx] + link + html[idx:]
	}
	return html + link
}
