package utils

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"github.com/likexian/whois"
)

// VerificationResult is the outcome of probing one address.
type VerificationResult struct {
	Email        string `json:"email"`
	Status       string `json:"status"` // valid, invalid, disposable, catch_all, unknown
	Details      string `json:"details"`
	IsReachable  bool   `json:"is_reachable"`
	IsBounceRisk bool   `json:"is_bounce_risk"`
	WHOIS        string `json:"whois,omitempty"`
}

var (
	disposableDomains = loadDisposableDomains()

	freeEmailProviders = []string{
		"gmail.com", "yahoo.com", "outlook.com", "hotmail.com",
		"aol.com", "protonmail.com", "icloud.com", "mail.com",
		"yandex.com", "zoho.com", "gmx.com",
	}

	commonTypos = map[string]string{
		"gmai.com":   "gmail.com",
		"gmal.com":   "gmail.com",
		"gmail.co":   "gmail.com",
		"yaho.com":   "yahoo.com",
		"hotmai.com": "hotmail.com",
		"outlok.com": "outlook.com",
	}

	// Domain to MX cache
	mxCache = struct {
		sync.RWMutex
		m map[string][]*net.MX
	}{m: make(map[string][]*net.MX)}

	smtpTimeout = 15 * time.Second
)

// VerifierIdentity is the HELO domain and MAIL FROM address presented
// during probes. Set once at startup from configuration.
var VerifierIdentity = struct {
	HeloDomain string
	FromEmail  string
}{
	HeloDomain: "localhost",
	FromEmail:  "verify@localhost",
}

// VerifyEmailAddress probes an address through syntax, disposable,
// DNS, and SMTP RCPT checks. The catch_all status means the server
// accepted a random mailbox on the same domain, so a positive RCPT
// proves nothing about this address.
func VerifyEmailAddress(email string) (*VerificationResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	result := &VerificationResult{
		Email:        email,
		Status:       "unknown",
		IsBounceRisk: true,
	}

	if err := checkmail.ValidateFormat(email); err != nil {
		result.Status = "invalid"
		result.Details = "Invalid email format: " + err.Error()
		return result, nil
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		result.Status = "invalid"
		result.Details = "Invalid email format"
		return result, nil
	}
	localPart, domain := parts[0], parts[1]

	if suggested, ok := commonTypos[domain]; ok {
		result.Status = "invalid"
		result.Details = fmt.Sprintf("Possible typo, did you mean %s@%s?", localPart, suggested)
		return result, nil
	}

	if disposableDomains[domain] {
		result.Status = "disposable"
		result.Details = "Disposable email domain"
		return result, nil
	}

	if err := checkmail.ValidateHost(domain); err != nil {
		result.Status = "invalid"
		result.Details = "Domain validation failed: " + err.Error()
		return result, nil
	}

	smtpResult := verifySMTP(domain, email)

	if whoisInfo, err := whois.Whois(domain); err == nil {
		smtpResult.WHOIS = whoisInfo
	}
	return smtpResult, nil
}

// ExtractDomain extracts the domain from an email address
func ExtractDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) == 2 {
		return parts[1]
	}
	return ""
}

func verifySMTP(domain, email string) *VerificationResult {
	result := &VerificationResult{
		Email:        email,
		Status:       "unknown",
		IsBounceRisk: true,
	}

	mxRecords, err := getMXRecords(domain)
	if err != nil || len(mxRecords) == 0 {
		result.Status = "invalid"
		result.Details = "Domain has no MX records"
		return result
	}

	portsToTry := []string{"25", "587"}
	if isFreeEmailProvider(domain) {
		portsToTry = []string{"587", "25"}
	}

	for _, mx := range mxRecords {
		mailServer := strings.TrimSuffix(mx.Host, ".")
		for _, port := range portsToTry {
			addr := mailServer + ":" + port
			if probed, err := probeMailbox(addr, domain, email); err == nil {
				return probed
			}
		}
	}

	result.Details = "All verification attempts failed"
	return result
}

func isFreeEmailProvider(domain string) bool {
	for _, provider := range freeEmailProviders {
		if domain == provider {
			return true
		}
	}
	return false
}

func getMXRecords(domain string) ([]*net.MX, error) {
	mxCache.RLock()
	if records, ok := mxCache.m[domain]; ok {
		mxCache.RUnlock()
		return records, nil
	}
	mxCache.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resolver net.Resolver
	mxRecords, err := resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}

	mxCache.Lock()
	mxCache.m[domain] = mxRecords
	mxCache.Unlock()
	return mxRecords, nil
}

func probeMailbox(addr, domain, email string) (*VerificationResult, error) {
	conn, err := net.DialTimeout("tcp", addr, smtpTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, domain)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	conn.SetDeadline(time.Now().Add(smtpTimeout))

	unknown := func(detail string) *VerificationResult {
		return &VerificationResult{
			Email:        email,
			Status:       "unknown",
			Details:      detail,
			IsBounceRisk: true,
		}
	}

	if err = client.Hello(VerifierIdentity.HeloDomain); err != nil {
		return unknown("HELO failed: " + err.Error()), nil
	}
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err = client.StartTLS(nil); err != nil {
			return unknown("STARTTLS failed: " + err.Error()), nil
		}
	}
	if err = client.Mail(VerifierIdentity.FromEmail); err != nil {
		return unknown("MAIL FROM failed: " + err.Error()), nil
	}

	// RCPT TO is the reachability test.
	if err = client.Rcpt(email); err != nil {
		errMsg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(errMsg, "550"):
			return &VerificationResult{
				Email:        email,
				Status:       "invalid",
				Details:      "Mailbox doesn't exist",
				IsBounceRisk: true,
			}, nil
		case strings.Contains(errMsg, "421"), strings.Contains(errMsg, "450"), strings.Contains(errMsg, "451"):
			return unknown("Temporary failure: " + err.Error()), nil
		default:
			return unknown("SMTP error: " + err.Error()), nil
		}
	}

	// The target was accepted. Probe a mailbox that cannot exist: if
	// the server takes that one too, the domain accepts everything and
	// the positive answer above is meaningless.
	randomAddr := fmt.Sprintf("%s@%s", uuid.New().String(), domain)
	if err := client.Rcpt(randomAddr); err == nil {
		return &VerificationResult{
			Email:        email,
			Status:       "catch_all",
			Details:      "Server accepts any mailbox (catch-all domain)",
			IsReachable:  true,
			IsBounceRisk: true,
		}, nil
	}

	return &VerificationResult{
		Email:       email,
		Status:      "valid",
		Details:     "Recipient accepted",
		IsReachable: true,
	}, nil
}

func loadDisposableDomains() map[string]bool {
	domains := make(map[string]bool)
	for _, d := range strings.Split(disposableDomainList, "\n") {
		d = strings.TrimSpace(d)
		if d != "" {
			domains[d] = true
		}
	}
	return domains
}

const disposableDomainList = `
10minutemail.com
20minutemail.com
33mail.com
anonbox.net
anonymbox.com
bccto.me
boun.cr
bugmenot.com
burnermail.io
byom.de
chacuo.net
correotemporal.org
crazymailing.com
deadaddress.com
despam.it
discard.email
disposablemail.com
dispostable.com
dropmail.me
emailondeck.com
emailsensei.com
emltmp.com
fakeinbox.com
fakemailgenerator.com
getairmail.com
getnada.com
guerrillamail.com
guerrillamail.net
guerrillamail.org
harakirimail.com
inboxkitten.com
incognitomail.org
jetable.org
mail-temporaire.fr
mail.tm
mailcatch.com
maildrop.cc
mailexpire.com
mailinator.com
mailnesia.com
mailnull.com
mailsac.com
mintemail.com
mohmal.com
mytemp.email
nada.email
no-spam.ws
nospam.ze.tc
owlymail.com
sharklasers.com
spam4.me
spamgourmet.com
spambox.us
tempail.com
tempinbox.com
tempmail.dev
tempmail.plus
tempmailo.com
temp-mail.org
throwawaymail.com
trash-mail.com
trashmail.com
trashmail.net
tutanota.de.vu
yopmail.com
yopmail.fr
yopmail.net
zetmail.com
`
