package types

import (
	"encoding/json"
	"github.com/benjhiman/remember-me-sub000/internal/state"
	"time"
)

type Provider string

const (
	ProviderWhatsApp  Provider = "WHATSAPP"
	ProviderInstagram Provider = "INSTAGRAM"
	ProviderMeta      Provider = "META"
)

var AllProviders = []Provider{ProviderWhatsApp, ProviderInstagram, ProviderMeta}

func (p Provider) String() string {
	return string(p)
}

type JobType string

const (
	JobTypeSendMessage      JobType = "SEND_MESSAGE"
	JobTypeFetchAdSpend     JobType = "FETCH_AD_SPEND"
	JobTypeRefreshToken     JobType = "REFRESH_TOKEN"
	JobTypeSyncConversation JobType = "SYNC_CONVERSATION"
)

func (t JobType) String() string {
	return string(t)
}

// Job is the durable record of one unit of background work.
type Job struct {
	ID                 string
	OrganizationID     string
	Provider           Provider
	JobType            JobType
	Payload            json.RawMessage
	Status             state.JobStatus
	Attempts           int
	LastError          *string
	RunAt              time.Time
	ConnectedAccountID *string
	DedupeKey          *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EnqueueParams is what producers hand to a queue adapter.
type EnqueueParams struct {
	JobType            JobType
	Provider           Provider
	Payload            json.RawMessage
	RunAt              *time.Time
	OrganizationID     string
	ConnectedAccountID string
	DedupeKey          string
}

// JobHandle identifies an enqueued job. MessageID is empty unless the job
// was also submitted to the broker.
type JobHandle struct {
	JobID     string
	MessageID string
	RunAt     time.Time
	Backend   string
}

// QueueMessage is the broker envelope. Attempt counts broker deliveries and
// is carried in a header, not in the body.
type QueueMessage struct {
	JobID          string          `json:"jobId"`
	JobType        JobType         `json:"jobType"`
	Provider       Provider        `json:"provider"`
	OrganizationID string          `json:"organizationId"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"-"`
}

// ConnectedAccount is a tenant's link to one provider account.
type ConnectedAccount struct {
	OrganizationID     string
	ConnectedAccountID string
}
