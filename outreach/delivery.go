package outreach

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// OutboundEmail is a fully rendered message, ready for any provider.
type OutboundEmail struct {
	ToEmail  string
	ToName   string
	Subject  string
	HTMLBody string
	TextBody string
	ReplyTo  string
	Tags     []string
}

// Delivery hands a rendered message to a provider and returns the
// provider's message id. Implementations must respect ctx cancellation;
// the engine wraps every call in a deadline.
type Delivery interface {
	Send(ctx context.Context, email OutboundEmail) (string, error)
}

// BrevoClient sends through the Brevo transactional email API.
type BrevoClient struct {
	baseURL     string
	apiKey      string
	senderEmail string
	senderName  string
	replyTo     string
	httpClient  *http.Client
}

func NewBrevoClient(baseURL, apiKey, senderEmail, senderName, replyTo string) *BrevoClient {
	return &BrevoClient{
		baseURL:     baseURL,
		apiKey:      apiKey,
		senderEmail: senderEmail,
		senderName:  senderName,
		replyTo:     replyTo,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

type brevoAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoSendRequest struct {
	Sender      brevoAddress   `json:"sender"`
	To          []brevoAddress `json:"to"`
	ReplyTo     *brevoAddress  `json:"replyTo,omitempty"`
	Subject     string         `json:"subject"`
	HTMLContent string         `json:"htmlContent,omitempty"`
	TextContent string         `json:"textContent,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
}

type brevoSendResponse struct {
	MessageID string `json:"messageId"`
}

func (c *BrevoClient) Send(ctx context.Context, email OutboundEmail) (string, error) {
	payload := brevoSendRequest{
		Sender:      brevoAddress{Email: c.senderEmail, Name: c.senderName},
		To:          []brevoAddress{{Email: email.ToEmail, Name: email.ToName}},
		Subject:     email.Subject,
		HTMLContent: email.HTMLBody,
		TextContent: email.TextBody,
		Tags:        email.Tags,
	}
	if c.replyTo != "" {
		payload.ReplyTo = &brevoAddress{Email: c.replyTo}
	}
	if email.ReplyTo != "" {
		payload.ReplyTo = &brevoAddress{Email: email.ReplyTo}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/smtp/email", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("brevo request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("brevo returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed brevoSendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.MessageID == "" {
		// Accepted without a parseable id; synthesize one so the
		// send record still has a stable handle.
		return uuid.New().String(), nil
	}
	return parsed.MessageID, nil
}

// SMTPMailer is the fallback delivery path for operators without a
// transactional API account. SMTP returns no message id, so one is
// generated and set as the Message-ID header to keep webhook and
// bounce correlation possible.
type SMTPMailer struct {
	host        string
	port        int
	username    string
	password    string
	senderEmail string
	senderName  string
}

func NewSMTPMailer(host string, port int, username, password, senderEmail, senderName string) *SMTPMailer {
	return &SMTPMailer{
		host:        host,
		port:        port,
		username:    username,
		password:    password,
		senderEmail: senderEmail,
		senderName:  senderName,
	}
}

func (m *SMTPMailer) Send(ctx context.Context, email OutboundEmail) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), m.host)

	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", m.senderEmail, m.senderName)
	msg.SetAddressHeader("To", email.ToEmail, email.ToName)
	msg.SetHeader("Subject", email.Subject)
	msg.SetHeader("Message-ID", messageID)
	if email.ReplyTo != "" {
		msg.SetHeader("Reply-To", email.ReplyTo)
	}
	if email.TextBody != "" {
		msg.SetBody("text/plain", email.TextBody)
		if email.HTMLBody != "" {
			msg.AddAlternative("text/html", email.HTMLBody)
		}
	} else {
		msg.SetBody("text/html", email.HTMLBody)
	}

	dialer := gomail.NewDialer(m.host, m.port, m.username, m.password)

	// gomail has no context support; run the dial in a goroutine so a
	// pass deadline still bounds the attempt.
	done := make(chan error, 1)
	go func() { done <- dialer.DialAndSend(msg) }()
	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("smtp send: %w", err)
		}
		return messageID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
