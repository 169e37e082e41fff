package provider

import (
	"time"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

// Session states as the gateway reports them. Anything else maps to
// Disconnected at the reconciler.
const (
	SessionOpen       = "open"
	SessionConnecting = "connecting"
	SessionClosed     = "close"
)

// InstanceSummary is one entry of the gateway's instance list.
type InstanceSummary struct {
	ExternalID string `json:"external_id" validate:"required"`
	Name       string `json:"name,omitempty"`
	State      string `json:"state,omitempty"`
}

// InstanceCredentials is the result of provisioning a new instance.
type InstanceCredentials struct {
	ExternalID   string `json:"external_id" validate:"required"`
	SessionToken string `json:"session_token" validate:"required"`
}

// Connectivity is the per-instance session report.
type Connectivity struct {
	State       string `json:"state" validate:"required"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// InboundMessage is one recent message as reported by the gateway, already
// flattened out of the provider's payload quirks. FromMe marks self-echoes;
// RemoteID is the counterpart's JID.
type InboundMessage struct {
	ExternalMessageID string    `json:"external_message_id" validate:"required"`
	FromMe            bool      `json:"from_me"`
	RemoteID          string    `json:"remote_id" validate:"required"`
	Text              string    `json:"text"`
	Timestamp         time.Time `json:"timestamp"`
}

// SendReceipt acknowledges an outbound send.
type SendReceipt struct {
	ProviderMessageID string `json:"provider_message_id" validate:"required"`
}

// --- Raw wire shapes ---
//
// The gateway's JSON drifts across versions (snake_case and camelCase field
// spellings, numbers as unix seconds or millis). They are decoded exactly
// once here and converted to the fixed types above; nothing downstream sees
// a raw payload.

type rawInstance struct {
	ExternalID string `json:"external_id"`
	InstanceID string `json:"instanceId"`
	Name       string `json:"name"`
	State      string `json:"state"`
	Status     string `json:"status"`
	ConnState  string `json:"connection_status"`
}

func (r rawInstance) toSummary() InstanceSummary {
	id := r.ExternalID
	if id == "" {
		id = r.InstanceID
	}
	state := r.State
	if state == "" {
		state = r.Status
	}
	if state == "" {
		state = r.ConnState
	}
	return InstanceSummary{ExternalID: id, Name: r.Name, State: state}
}

type rawCreateResponse struct {
	ExternalID   string `json:"external_id"`
	InstanceID   string `json:"instanceId"`
	SessionToken string `json:"session_token"`
	Token        string `json:"token"`
}

func (r rawCreateResponse) toCredentials() InstanceCredentials {
	id := r.ExternalID
	if id == "" {
		id = r.InstanceID
	}
	token := r.SessionToken
	if token == "" {
		token = r.Token
	}
	return InstanceCredentials{ExternalID: id, SessionToken: token}
}

type rawConnectivity struct {
	State       string `json:"state"`
	Status      string `json:"status"`
	PhoneNumber string `json:"phone_number"`
	Number      string `json:"number"`
}

func (r rawConnectivity) toConnectivity() Connectivity {
	state := r.State
	if state == "" {
		state = r.Status
	}
	phone := r.PhoneNumber
	if phone == "" {
		phone = r.Number
	}
	return Connectivity{State: state, PhoneNumber: phone}
}

type rawMessage struct {
	ExternalMessageID string `json:"external_message_id"`
	MessageID         string `json:"messageId"`
	KeyID             string `json:"key_id"`
	FromMe            bool   `json:"from_me"`
	FromMeCamel       bool   `json:"fromMe"`
	RemoteID          string `json:"remote_id"`
	RemoteJID         string `json:"remoteJid"`
	Text              string `json:"text"`
	Body              string `json:"body"`
	Timestamp         int64  `json:"timestamp"`
}

func (r rawMessage) toInbound() InboundMessage {
	id := r.ExternalMessageID
	if id == "" {
		id = r.MessageID
	}
	if id == "" {
		id = r.KeyID
	}
	remote := r.RemoteID
	if remote == "" {
		remote = r.RemoteJID
	}
	text := r.Text
	if text == "" {
		text = r.Body
	}
	ts := r.Timestamp
	// Millisecond timestamps are 13 digits; seconds are 10.
	var when time.Time
	if ts > 1e12 {
		when = utils.UnixToTimeWithMilliseconds(ts)
	} else {
		when = utils.UnixToTime(ts)
	}
	return InboundMessage{
		ExternalMessageID: id,
		FromMe:            r.FromMe || r.FromMeCamel,
		RemoteID:          remote,
		Text:              text,
		Timestamp:         when,
	}
}

type rawSendResponse struct {
	ProviderMessageID string `json:"provider_message_id"`
	MessageID         string `json:"messageId"`
	ID                string `json:"id"`
}

func (r rawSendResponse) toReceipt() SendReceipt {
	id := r.ProviderMessageID
	if id == "" {
		id = r.MessageID
	}
	if id == "" {
		id = r.ID
	}
	return SendReceipt{ProviderMessageID: id}
}
