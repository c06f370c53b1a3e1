package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Handshake messages. The server sends a challenge, the front-end answers
// with auth.response, and the server replies with success or failure.
const (
	EventAuthChallenge = "auth.challenge"
	EventAuthSuccess   = "auth.success"
	EventAuthFailure   = "auth.failure"
	MethodAuthResponse = "auth.response"
)

// MaxAuthAttempts is the number of bad signatures after which the
// connection is dropped.
const MaxAuthAttempts = 3

// NewWindowID issues the id of a new connection. Once the connection
// authenticates it is also the id of its window.
func NewWindowID() (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate window id: %w", err)
	}
	return id, nil
}

// Sign returns the hex HMAC-SHA256 of challenge under secret. Front-ends
// answer the challenge with it.
func Sign(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// Authenticator gates connections on the shared secret. Nothing reaches the
// session layer, and no window exists, until a connection passes.
type Authenticator struct {
	secret string
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: secret}
}

// newNonce returns 32 random bytes as hex.
func newNonce() (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(nonce), nil
}

// Arm stores nonce as the pending challenge of client and returns the
// message announcing it. Callers hold the registry lock.
func (a *Authenticator) Arm(client *Client, nonce string) AuthChallenge {
	client.Challenge = nonce
	client.State = StateAuthenticating
	return AuthChallenge{Event: EventAuthChallenge, Challenge: nonce}
}

func (a *Authenticator) valid(challenge, signature string) bool {
	expected := Sign(a.secret, challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Verdict is the outcome of one auth.response.
type Verdict struct {
	Result AuthResult
	// Drop is set once the connection used up its attempts.
	Drop bool
}

// Verify checks signature against the pending challenge of client. A pass
// authenticates the client and consumes the challenge; the result names the
// window the connection now drives. Callers hold the registry lock.
func (a *Authenticator) Verify(client *Client, signature string) Verdict {
	fail := func(message string) Verdict {
		return Verdict{
			Result: AuthResult{Event: EventAuthFailure, Message: message},
			Drop:   client.AuthAttempts >= MaxAuthAttempts,
		}
	}

	switch {
	case client.Authenticated:
		return fail("Already authenticated")
	case client.Challenge == "":
		return fail("No challenge found")
	}

	if !a.valid(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= MaxAuthAttempts {
			return fail("Too many failed attempts")
		}
		return fail(fmt.Sprintf("Invalid signature (%d of %d attempts left)",
			MaxAuthAttempts-client.AuthAttempts, MaxAuthAttempts))
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""

	return Verdict{Result: AuthResult{
		Event:    EventAuthSuccess,
		Success:  true,
		WindowID: client.ID,
	}}
}

// Revoke undoes a pass whose window could not be opened.
func (a *Authenticator) Revoke(client *Client) {
	client.Authenticated = false
	client.State = StateDisconnected
}
