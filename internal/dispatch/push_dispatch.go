package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// PushNotifier tries the in-process WS session first and falls back to
// POSTing the envelope to a push provider endpoint (e.g. an FCM relay)
// for sessions connected elsewhere.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushNotifier(endpoint, key string, ws *WSRegistry) *PushNotifier {
	return &PushNotifier{
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		WS:       ws,
	}
}

func (p *PushNotifier) Emit(sessionRef, event string, payload any) error {
	if p.WS != nil {
		if err := p.WS.Emit(sessionRef, event, payload); err == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	body, err := json.Marshal(map[string]any{
		"session_ref": sessionRef,
		"message":     Envelope{Event: event, Data: payload},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
