package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"gorm.io/gorm"

	"reachflow/config"
	"reachflow/models"
	"reachflow/outreach"
)

// ReplyWorker polls the reply mailbox over IMAP and marks prospects
// replied. Reply detection is the strongest stop signal a sequence
// has, so the poll runs more often than the send loop.
type ReplyWorker struct {
	DB      *gorm.DB
	Applier *outreach.EventApplier
	IMAP    config.IMAPConfig
	Logger  *log.Logger
}

func NewReplyWorker(db *gorm.DB, applier *outreach.EventApplier, imapCfg config.IMAPConfig, logger *log.Logger) *ReplyWorker {
	return &ReplyWorker{
		DB:      db,
		Applier: applier,
		IMAP:    imapCfg,
		Logger:  logger,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	if rw.IMAP.Host == "" {
		rw.Logger.Println("Reply worker disabled: no IMAP host configured")
		return
	}

	rw.Logger.Println("Reply worker started")
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.Logger.Println("Reply worker shutting down...")
			return
		case <-ticker.C:
			if err := rw.fetchReplies(ctx); err != nil {
				rw.Logger.Printf("Reply fetch failed: %v", err)
			}
		}
	}
}

func (rw *ReplyWorker) fetchReplies(ctx context.Context) error {
	imapClient, err := rw.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %v", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(rw.IMAP.Username, rw.IMAP.Password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %v", err)
	}

	mailbox := rw.IMAP.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := imapClient.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %v", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	for msg := range messages {
		if ctx.Err() != nil {
			break
		}
		if err := rw.processMessage(ctx, msg); err != nil {
			rw.Logger.Printf("Failed to process message %d: %v", msg.SeqNum, err)
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %v", err)
	}

	// Mark the batch seen so the next poll only sees new mail.
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := imapClient.Store(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		rw.Logger.Printf("Failed to mark messages seen: %v", err)
	}
	return nil
}

func (rw *ReplyWorker) dial() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", rw.IMAP.Host, rw.IMAP.Port)
	tlsConfig := &tls.Config{ServerName: rw.IMAP.Host}

	switch strings.ToUpper(rw.IMAP.Encryption) {
	case "SSL", "TLS":
		return client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err := client.Dial(addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return client.Dial(addr)
	}
}

func (rw *ReplyWorker) processMessage(ctx context.Context, msg *imap.Message) error {
	if msg.Envelope == nil || len(msg.Envelope.From) == 0 {
		return nil
	}
	from := msg.Envelope.From[0]
	fromAddr := strings.ToLower(from.MailboxName + "@" + from.HostName)

	outcome, err := rw.Applier.MarkReplied(ctx, fromAddr)
	if err != nil {
		return err
	}
	if outcome.Kind == outreach.OutcomeDiscarded {
		// Mail from an address we never contacted
		return nil
	}

	if outcome.Reason == "reply" {
		sentiment := classifySentiment(extractTextBody(msg))
		if sentiment != "" {
			if err := rw.DB.WithContext(ctx).Model(&models.Prospect{}).
				Where("email = ? AND reply_sentiment = ''", fromAddr).
				Update("reply_sentiment", sentiment).Error; err != nil {
				return err
			}
		}
		rw.Logger.Printf("Reply from %s (%s)", fromAddr, sentiment)
	}
	return nil
}

func extractTextBody(msg *imap.Message) string {
	if msg.Body == nil {
		return ""
	}
	section := imap.BodySectionName{}
	literal, ok := msg.Body[&section]
	if !ok {
		return ""
	}

	mr, err := mail.CreateReader(literal)
	if err != nil {
		return ""
	}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return ""
		}
		if h, ok := p.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := h.ContentType()
			if strings.Contains(contentType, "text/plain") {
				b, err := io.ReadAll(p.Body)
				if err != nil {
					return ""
				}
				return string(b)
			}
		}
	}
	return ""
}

// classifySentiment is a coarse keyword pass over the reply body. Good
// enough to triage the inbox; a human reads everything that matters.
func classifySentiment(body string) string {
	if body == "" {
		return ""
	}
	lower := strings.ToLower(body)

	negative := []string{"not interested", "unsubscribe", "remove me", "stop emailing", "no thanks", "no thank you"}
	for _, phrase := range negative {
		if strings.Contains(lower, phrase) {
			return "negative"
		}
	}
	positive := []string{"interested", "sounds good", "let's talk", "tell me more", "schedule a call", "love to"}
	for _, phrase := range positive {
		if strings.Contains(lower, phrase) {
			return "positive"
		}
	}
	return "neutral"
}
