package recurring

import (
	"encoding/json"
	"github.com/benjhiman/remember-me-sub000/types"
	"time"
)

const (
	TaskAdSpend      = "ad-spend"
	TaskTokenRefresh = "token-refresh"
)

// AdSpendTask fetches the previous day's spend for every active Meta ad account.
func AdSpendTask(spec string) Task {
	return Task{
		Name:      TaskAdSpend,
		Spec:      spec,
		JobType:   types.JobTypeFetchAdSpend,
		Providers: []types.Provider{types.ProviderMeta},
		Payload: func(at time.Time, account types.ConnectedAccount) json.RawMessage {
			body, _ := json.Marshal(map[string]string{
				"adAccountId": account.ConnectedAccountID,
				"date":        at.UTC().AddDate(0, 0, -1).Format(time.DateOnly),
			})
			return body
		},
	}
}

// TokenRefreshTask refreshes access tokens for Meta and Instagram accounts.
func TokenRefreshTask(spec string) Task {
	return Task{
		Name:      TaskTokenRefresh,
		Spec:      spec,
		JobType:   types.JobTypeRefreshToken,
		Providers: []types.Provider{types.ProviderMeta, types.ProviderInstagram},
		Payload: func(_ time.Time, account types.ConnectedAccount) json.RawMessage {
			body, _ := json.Marshal(map[string]string{"connectedAccountId": account.ConnectedAccountID})
			return body
		},
	}
}
