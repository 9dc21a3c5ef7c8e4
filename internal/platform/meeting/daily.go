package meeting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultRoomExpiryGrace is added to the confirmed end to compute room expiry.
const DefaultRoomExpiryGrace = time.Hour

// DailyConfig configures the expiring-room provider.
type DailyConfig struct {
	APIURL string // e.g. https://api.daily.co/v1
	APIKey string
	// ExplicitCleanup opts the provider into Delete on every exit from the
	// approved state instead of relying on room expiry.
	ExplicitCleanup bool
	ExpiryGrace     time.Duration
	HTTPClient      *http.Client
}

// DailyClient creates private rooms that expire after the consultation.
type DailyClient struct {
	cfg    DailyConfig
	client *http.Client
}

func NewDailyClient(cfg DailyConfig) *DailyClient {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.ExpiryGrace <= 0 {
		cfg.ExpiryGrace = DefaultRoomExpiryGrace
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &DailyClient{cfg: cfg, client: client}
}

func (d *DailyClient) Kind() Kind { return KindDaily }

func (d *DailyClient) CleanupPolicy() CleanupPolicy {
	if d.cfg.ExplicitCleanup {
		return CleanupExplicit
	}
	return CleanupSelfExpiry
}

type dailyRoomProperties struct {
	Exp             int64 `json:"exp"`
	EnablePrejoinUI bool  `json:"enable_prejoin_ui"`
	EnableKnocking  bool  `json:"enable_knocking"`
}

type dailyCreateRoomRequest struct {
	Privacy    string              `json:"privacy"`
	Properties dailyRoomProperties `json:"properties"`
}

type dailyRoomResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type dailyTokenProperties struct {
	RoomName string `json:"room_name"`
	IsOwner  bool   `json:"is_owner"`
	Exp      int64  `json:"exp"`
}

type dailyTokenRequest struct {
	Properties dailyTokenProperties `json:"properties"`
}

type dailyTokenResponse struct {
	Token string `json:"token"`
}

func (d *DailyClient) auth() http.Header {
	return http.Header{"Authorization": {"Bearer " + d.cfg.APIKey}}
}

// Expiry returns the instant a room for spec self-expires.
func (d *DailyClient) Expiry(spec CreateSpec) time.Time {
	return spec.end().Add(d.cfg.ExpiryGrace).UTC()
}

func (d *DailyClient) Create(ctx context.Context, spec CreateSpec) (*Ref, error) {
	if err := validateSpec(spec); err != nil {
		return nil, &ProviderError{Provider: KindDaily, Op: "create", Err: err}
	}
	exp := d.Expiry(spec).Unix()

	var room dailyRoomResponse
	if _, err := doJSON(ctx, d.client, KindDaily, "create", apiRequest{
		method: http.MethodPost,
		url:    d.cfg.APIURL + "/rooms",
		header: d.auth(),
		body: dailyCreateRoomRequest{
			Privacy: "private",
			Properties: dailyRoomProperties{
				Exp:             exp,
				EnablePrejoinUI: true,
				EnableKnocking:  true,
			},
		},
		idempotencyKey: spec.IdempotencyKey,
	}, &room); err != nil {
		return nil, err
	}
	if room.Name == "" || room.URL == "" {
		return nil, &ProviderError{Provider: KindDaily, Op: "create", Err: fmt.Errorf("response missing name or url")}
	}

	var tok dailyTokenResponse
	if _, err := doJSON(ctx, d.client, KindDaily, "create-token", apiRequest{
		method: http.MethodPost,
		url:    d.cfg.APIURL + "/meeting-tokens",
		header: d.auth(),
		body: dailyTokenRequest{Properties: dailyTokenProperties{
			RoomName: room.Name,
			IsOwner:  true,
			Exp:      exp,
		}},
	}, &tok); err != nil {
		// The room is unusable for the facility without an owner token.
		orphan := Ref{Provider: KindDaily, ExternalID: room.Name, JoinURL: room.URL}
		if delErr := d.Delete(context.WithoutCancel(ctx), orphan); delErr != nil {
			var pe *ProviderError
			if !errors.As(err, &pe) {
				pe = &ProviderError{Provider: KindDaily, Op: "create-token", Err: err}
			}
			pe.Orphan = &orphan
			pe.CleanupErr = delErr
			return nil, pe
		}
		return nil, err
	}

	return &Ref{
		Provider:    KindDaily,
		ExternalID:  room.Name,
		JoinURL:     room.URL,
		HostJoinURL: room.URL + "?t=" + url.QueryEscape(tok.Token),
	}, nil
}

// Delete removes the room. A room that already expired counts as deleted.
func (d *DailyClient) Delete(ctx context.Context, ref Ref) error {
	if ref.ExternalID == "" {
		return &ProviderError{Provider: KindDaily, Op: "delete", Err: fmt.Errorf("room name is required")}
	}
	status, err := doJSON(ctx, d.client, KindDaily, "delete", apiRequest{
		method: http.MethodDelete,
		url:    d.cfg.APIURL + "/rooms/" + url.PathEscape(ref.ExternalID),
		header: d.auth(),
	}, nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}
