package session

import "time"

// Server→client control frames. Field names are part of the wire protocol.

type welcomeMessage struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
	Message      string    `json:"message"`
}

type pongMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriptionConfirmedMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
}

type unsubscriptionConfirmedMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type errorMessage struct {
	Type      string    `json:"type"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// clientMessage is the envelope every inbound text frame is parsed into.
type clientMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events"`
}
