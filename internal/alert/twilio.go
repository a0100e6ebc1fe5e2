package alert

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Twilio sends alerts through the Twilio REST API.
type Twilio struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	HTTP       *http.Client
}

const defaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

var defaultTwilioHTTP = &http.Client{Timeout: 10 * time.Second}

// NewTwilio returns a client with its HTTP client fixed up front, so it can be
// shared by concurrent deliveries. A zero timeout keeps the default.
func NewTwilio(accountSID, authToken, from, baseURL string, timeout time.Duration) *Twilio {
	client := defaultTwilioHTTP
	if timeout > 0 {
		client = &http.Client{Timeout: timeout}
	}
	if baseURL == "" {
		baseURL = defaultTwilioBaseURL
	}
	return &Twilio{AccountSID: accountSID, AuthToken: authToken, From: from, BaseURL: baseURL, HTTP: client}
}

type twilioResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *Twilio) SendSMS(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.From)
	form.Set("Body", body)
	return t.post(ctx, "Messages.json", form)
}

func (t *Twilio) Call(ctx context.Context, to, message string) (string, error) {
	twiml, err := sayTwiML(message)
	if err != nil {
		return "", err
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.From)
	form.Set("Twiml", twiml)
	return t.post(ctx, "Calls.json", form)
}

func (t *Twilio) post(ctx context.Context, resource string, form url.Values) (string, error) {
	client := t.HTTP
	if client == nil {
		client = defaultTwilioHTTP
	}
	baseURL := t.BaseURL
	if baseURL == "" {
		baseURL = defaultTwilioBaseURL
	}
	if t.AccountSID == "" || t.AuthToken == "" {
		return "", fmt.Errorf("missing twilio credentials")
	}
	if t.From == "" {
		return "", fmt.Errorf("missing twilio from number")
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/%s", strings.TrimRight(baseURL, "/"), url.PathEscape(t.AccountSID), resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(t.AccountSID, t.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var resp twilioResponse
	_ = json.Unmarshal(data, &resp)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		if resp.Message == "" {
			resp.Message = http.StatusText(res.StatusCode)
		}
		return "", fmt.Errorf("twilio %s: status %d code %d: %s", resource, res.StatusCode, resp.Code, resp.Message)
	}
	if resp.SID == "" {
		return "", fmt.Errorf("missing twilio sid")
	}
	return resp.SID, nil
}

func sayTwiML(message string) (string, error) {
	type say struct {
		Voice string `xml:"voice,attr"`
		Loop  int    `xml:"loop,attr"`
		Text  string `xml:",chardata"`
	}
	type response struct {
		XMLName xml.Name `xml:"Response"`
		Say     say      `xml:"Say"`
	}
	b, err := xml.Marshal(response{Say: say{Voice: "alice", Loop: 2, Text: message}})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
