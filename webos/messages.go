package webos

import (
	"encoding/json"
	"fmt"
)

// Frame types exchanged with the TV.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeRequest    = "request"
	TypeResponse   = "response"
	TypeError      = "error"
)

const (
	launcherOpenURI = "ssap://system.launcher/open"
	pairingPrompt   = "PROMPT"
	unknownError    = "Unknown error"
)

// Permissions requested in the register manifest.
var Permissions = []string{
	"LAUNCH",
	"LAUNCH_WEBAPP",
	"CONTROL_INPUT_TEXT",
	"CONTROL_MOUSE_AND_KEYBOARD",
	"READ_RUNNING_APPS",
}

// OutgoingFrame is a frame the client sends.
type OutgoingFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	URI     string `json:"uri,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// RegisterPayload asks the TV to pair. ClientKey skips the on-screen
// prompt when the TV still knows it.
type RegisterPayload struct {
	ForcePairing bool     `json:"forcePairing"`
	PairingType  string   `json:"pairingType"`
	ClientKey    string   `json:"client-key,omitempty"`
	Manifest     Manifest `json:"manifest"`
}

type Manifest struct {
	ManifestVersion int      `json:"manifestVersion"`
	Permissions     []string `json:"permissions"`
}

type LaunchPayload struct {
	Target string `json:"target"`
}

// IncomingFrame is the subset of a TV frame the client looks at.
type IncomingFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Error   string          `json:"error"`
	Payload json.RawMessage `json:"payload"`
}

type registeredPayload struct {
	ClientKey string `json:"client-key"`
}

// ClientKey returns the pairing key of a registered frame, if any.
func (f IncomingFrame) ClientKey() string {
	if len(f.Payload) == 0 {
		return ""
	}

	var p registeredPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return ""
	}

	return p.ClientKey
}

// ErrorText returns the error message of an error frame.
func (f IncomingFrame) ErrorText() string {
	if f.Error == "" {
		return unknownError
	}
	return f.Error
}

func parseFrame(data []byte) (IncomingFrame, error) {
	var f IncomingFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parseFrame: %w", err)
	}

	if f.Type == "" {
		return f, fmt.Errorf("parseFrame: frame has no type")
	}

	return f, nil
}

// sequence numbers the frames of one connection.
type sequence struct {
	n int
}

func (s *sequence) next(prefix string) string {
	s.n++
	return fmt.Sprintf("%s_%d", prefix, s.n)
}

func newRegisterFrame(seq *sequence, clientKey string) OutgoingFrame {
	return OutgoingFrame{
		Type: TypeRegister,
		ID:   seq.next("reg"),
		Payload: RegisterPayload{
			ForcePairing: false,
			PairingType:  pairingPrompt,
			ClientKey:    clientKey,
			Manifest: Manifest{
				ManifestVersion: 1,
				Permissions:     Permissions,
			},
		},
	}
}

func newLaunchFrame(seq *sequence, target string) OutgoingFrame {
	return OutgoingFrame{
		Type:    TypeRequest,
		ID:      seq.next("launch"),
		URI:     launcherOpenURI,
		Payload: LaunchPayload{Target: target},
	}
}
