package gateway

import "flashoffer-dispatch/internal/models"

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type androidConfig struct {
	Priority string `json:"priority"`
}

type apnsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type apsPayload struct {
	Alert apnsAlert `json:"alert"`
	Sound string    `json:"sound"`
}

type apnsConfig struct {
	Headers map[string]string `json:"headers"`
	Payload struct {
		Aps apsPayload `json:"aps"`
	} `json:"payload"`
}

type multicastRequest struct {
	Tokens       []string          `json:"tokens"`
	Platform     string            `json:"platform"`
	Notification notification      `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      *androidConfig    `json:"android,omitempty"`
	APNS         *apnsConfig       `json:"apns,omitempty"`
}

// payloadBuilder adds the platform specific blocks to a request.
type payloadBuilder func(req *multicastRequest, msg Message)

// defaultBuilders returns the builders for every supported platform. A
// platform without a builder gets the common notification and data only.
func defaultBuilders() map[models.Platform]payloadBuilder {
	return map[models.Platform]payloadBuilder{
		models.PlatformAndroid: buildAndroid,
		models.PlatformIOS:     buildIOS,
	}
}

func buildAndroid(req *multicastRequest, _ Message) {
	req.Android = &androidConfig{Priority: "high"}
}

func buildIOS(req *multicastRequest, msg Message) {
	cfg := &apnsConfig{Headers: map[string]string{"apns-priority": "10"}}
	cfg.Payload.Aps = apsPayload{
		Alert: apnsAlert{Title: msg.Title, Body: msg.Body},
		Sound: "default",
	}
	req.APNS = cfg
}

// FlashOfferMessage builds the push content for an offer.
func FlashOfferMessage(offer models.FlashOffer, venue models.Venue) Message {
	title := offer.Title
	if venue.Name != "" {
		title = venue.Name + ": " + offer.Title
	}
	return Message{
		Title: title,
		Body:  offer.Description,
		Data: map[string]string{
			"type":    "flash_offer",
			"offerId": offer.ID,
		},
	}
}
