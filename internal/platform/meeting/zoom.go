package meeting

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ZoomConfig configures the scheduled-meeting provider.
type ZoomConfig struct {
	APIURL       string // e.g. https://api.zoom.us/v2
	OAuthURL     string // e.g. https://zoom.us
	AccountID    string
	ClientID     string
	ClientSecret string
	// UserID is the host user meetings are created under; "me" when empty.
	UserID     string
	HTTPClient *http.Client
}

// ZoomClient creates scheduled meetings and deletes them explicitly.
type ZoomClient struct {
	cfg    ZoomConfig
	client *http.Client
	now    func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewZoomClient(cfg ZoomConfig) *ZoomClient {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.UserID == "" {
		cfg.UserID = "me"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.OAuthURL = strings.TrimRight(cfg.OAuthURL, "/")
	return &ZoomClient{cfg: cfg, client: client, now: time.Now}
}

func (z *ZoomClient) Kind() Kind { return KindZoom }

func (z *ZoomClient) CleanupPolicy() CleanupPolicy { return CleanupExplicit }

type zoomTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// accessToken returns a cached server-to-server OAuth token, refreshing it a
// minute before expiry.
func (z *ZoomClient) accessToken(ctx context.Context) (string, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.token != "" && z.now().Before(z.tokenExp.Add(-time.Minute)) {
		return z.token, nil
	}

	q := url.Values{}
	q.Set("grant_type", "account_credentials")
	q.Set("account_id", z.cfg.AccountID)
	basic := base64.StdEncoding.EncodeToString([]byte(z.cfg.ClientID + ":" + z.cfg.ClientSecret))

	var tok zoomTokenResponse
	if _, err := doJSON(ctx, z.client, KindZoom, "token", apiRequest{
		method: http.MethodPost,
		url:    z.cfg.OAuthURL + "/oauth/token?" + q.Encode(),
		header: http.Header{"Authorization": {"Basic " + basic}},
	}, &tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", &ProviderError{Provider: KindZoom, Op: "token", Err: fmt.Errorf("empty access token")}
	}

	z.token = tok.AccessToken
	z.tokenExp = z.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return z.token, nil
}

type zoomMeetingSettings struct {
	JoinBeforeHost bool `json:"join_before_host"`
	WaitingRoom    bool `json:"waiting_room"`
}

type zoomCreateRequest struct {
	Topic     string              `json:"topic"`
	Type      int                 `json:"type"`
	StartTime string              `json:"start_time"`
	Duration  int                 `json:"duration"`
	Timezone  string              `json:"timezone"`
	Settings  zoomMeetingSettings `json:"settings"`
}

type zoomMeetingResponse struct {
	ID       int64  `json:"id"`
	JoinURL  string `json:"join_url"`
	StartURL string `json:"start_url"`
	Password string `json:"password"`
}

// zoomScheduledMeeting is the Zoom API meeting type for a scheduled meeting.
const zoomScheduledMeeting = 2

func (z *ZoomClient) Create(ctx context.Context, spec CreateSpec) (*Ref, error) {
	if err := validateSpec(spec); err != nil {
		return nil, &ProviderError{Provider: KindZoom, Op: "create", Err: err}
	}
	token, err := z.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var m zoomMeetingResponse
	if _, err := doJSON(ctx, z.client, KindZoom, "create", apiRequest{
		method: http.MethodPost,
		url:    fmt.Sprintf("%s/users/%s/meetings", z.cfg.APIURL, url.PathEscape(z.cfg.UserID)),
		header: http.Header{"Authorization": {"Bearer " + token}},
		body: zoomCreateRequest{
			Topic:     spec.Topic,
			Type:      zoomScheduledMeeting,
			StartTime: spec.StartAt.UTC().Format("2006-01-02T15:04:05Z"),
			Duration:  spec.DurationMinutes,
			Timezone:  "UTC",
			Settings:  zoomMeetingSettings{JoinBeforeHost: false, WaitingRoom: true},
		},
		idempotencyKey: spec.IdempotencyKey,
	}, &m); err != nil {
		return nil, err
	}
	if m.ID == 0 || m.JoinURL == "" {
		return nil, &ProviderError{Provider: KindZoom, Op: "create", Err: fmt.Errorf("response missing id or join_url")}
	}

	id := strconv.FormatInt(m.ID, 10)
	return &Ref{
		Provider:    KindZoom,
		ExternalID:  id,
		JoinURL:     m.JoinURL,
		HostJoinURL: m.JoinURL,
		Password:    m.Password,
	}, nil
}

// Delete removes the meeting. A meeting that no longer exists counts as deleted.
func (z *ZoomClient) Delete(ctx context.Context, ref Ref) error {
	if ref.ExternalID == "" {
		return &ProviderError{Provider: KindZoom, Op: "delete", Err: fmt.Errorf("meeting id is required")}
	}
	token, err := z.accessToken(ctx)
	if err != nil {
		return err
	}
	status, err := doJSON(ctx, z.client, KindZoom, "delete", apiRequest{
		method: http.MethodDelete,
		url:    fmt.Sprintf("%s/meetings/%s", z.cfg.APIURL, url.PathEscape(ref.ExternalID)),
		header: http.Header{"Authorization": {"Bearer " + token}},
	}, nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}
