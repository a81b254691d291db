package provider

import (
	"context"
	"encoding/json"
	"github.com/benjhiman/remember-me-sub000/custom_errors"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"github.com/benjhiman/remember-me-sub000/types"
	"github.com/cockroachdb/errors"
	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"net/http"
	"strings"
	"time"
)

const whatsAppPrefix = "whatsapp:"

// WhatsAppSender delivers one WhatsApp message and returns the provider's
// message id.
type WhatsAppSender interface {
	SendWhatsApp(ctx context.Context, to, body, mediaURL string) (string, error)
}

// SendMessagePayload is the SEND_MESSAGE job payload for WhatsApp.
type SendMessagePayload struct {
	To       string `json:"to"`
	Body     string `json:"body"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

// TwilioSender sends WhatsApp messages through the Twilio REST API.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
}

func NewTwilioSender(accountSID, authToken, from string) (*TwilioSender, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("twilio account SID and auth token must be provided")
	}
	if from == "" {
		return nil, errors.New("twilio WhatsApp sender number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		},
	)

	return &TwilioSender{
		client: client,
		from:   withWhatsAppPrefix(from),
	}, nil
}

func (s *TwilioSender) SendWhatsApp(ctx context.Context, to, body, mediaURL string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(withWhatsAppPrefix(to))
	params.SetFrom(s.from)
	params.SetBody(body)
	if mediaURL != "" {
		params.SetMediaUrl([]string{mediaURL})
	}

	resp, err := s.client.Api.CreateMessage(params)
	if err != nil {
		return "", classifyTwilioError(err)
	}
	if resp.Sid == nil {
		return "", nil
	}
	return *resp.Sid, nil
}

// classifyTwilioError turns 429s into a RetryAfterError and other 4xx
// responses into invalid-argument failures that are not retried.
func classifyTwilioError(err error) error {
	var restErr *twilioClient.TwilioRestError
	if !errors.As(err, &restErr) {
		return errors.Wrap(err, "twilio create message")
	}
	switch {
	case restErr.Status == http.StatusTooManyRequests:
		return &custom_errors.RetryAfterError{After: time.Minute, Reason: "twilio throttled: " + restErr.Message}
	case restErr.Status >= 400 && restErr.Status < 500:
		return errors.Wrapf(custom_errors.ErrInvalidArgument, "twilio rejected message (%d): %s", restErr.Code, restErr.Message)
	}
	return errors.Wrapf(err, "twilio create message")
}

func withWhatsAppPrefix(number string) string {
	if strings.HasPrefix(number, whatsAppPrefix) {
		return number
	}
	return whatsAppPrefix + number
}

// SendWhatsAppMessage is the SEND_MESSAGE handler for the WhatsApp provider.
func SendWhatsAppMessage(sender WhatsAppSender) Handler {
	log := logger.ComponentLogger("whatsapp")
	return func(ctx context.Context, job types.Job) error {
		var payload SendMessagePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return errors.Wrapf(custom_errors.ErrInvalidArgument, "decode payload: %v", err)
		}
		if payload.To == "" {
			return custom_errors.InvalidArgument("payload.to is required")
		}
		if payload.Body == "" && payload.MediaURL == "" {
			return custom_errors.InvalidArgument("payload.body or payload.mediaUrl is required")
		}

		sid, err := sender.SendWhatsApp(ctx, payload.To, payload.Body, payload.MediaURL)
		if err != nil {
			return err
		}
		log.Debugw("whatsapp message sent",
			logger.FieldJobID, job.ID,
			logger.FieldOrganizationID, job.OrganizationID,
			logger.FieldMessageID, sid)
		return nil
	}
}
