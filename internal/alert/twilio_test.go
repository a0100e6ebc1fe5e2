package alert

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestTwilioSendSMS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Accounts/AC123/Messages.json" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Fatalf("unexpected basic auth %q %q", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("To") != "+15550000001" || r.PostForm.Get("From") != "+15550009999" {
			t.Fatalf("unexpected form %v", r.PostForm)
		}
		if !strings.Contains(r.PostForm.Get("Body"), "EMERGENCY") {
			t.Fatalf("unexpected body %q", r.PostForm.Get("Body"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	}))
	defer srv.Close()

	c := &Twilio{AccountSID: "AC123", AuthToken: "secret", From: "+15550009999", BaseURL: srv.URL, HTTP: srv.Client()}
	sid, err := c.SendSMS(context.Background(), "+15550000001", "EMERGENCY ALERT [HIGH]")
	if err != nil {
		t.Fatalf("SendSMS: %v", err)
	}
	if sid != "SM1" {
		t.Fatalf("expected SM1, got %s", sid)
	}
}

func TestTwilioCallSendsTwiML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Accounts/AC123/Calls.json" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = r.ParseForm()
		twiml := r.PostForm.Get("Twiml")
		if !strings.HasPrefix(twiml, "<Response><Say") || !strings.Contains(twiml, "needs &amp; help") {
			t.Fatalf("unexpected twiml %q", twiml)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA1"}`))
	}))
	defer srv.Close()

	c := &Twilio{AccountSID: "AC123", AuthToken: "secret", From: "+15550009999", BaseURL: srv.URL, HTTP: srv.Client()}
	sid, err := c.Call(context.Background(), "+15550000001", "needs & help")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if sid != "CA1" {
		t.Fatalf("expected CA1, got %s", sid)
	}
}

func TestTwilioErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"The 'To' number is not a valid phone number.","status":400}`))
	}))
	defer srv.Close()

	c := &Twilio{AccountSID: "AC123", AuthToken: "secret", From: "+15550009999", BaseURL: srv.URL, HTTP: srv.Client()}
	_, err := c.SendSMS(context.Background(), "bad", "x")
	if err == nil || !strings.Contains(err.Error(), "21211") {
		t.Fatalf("expected twilio error code, got %v", err)
	}
}

func TestTwilioMissingCredentials(t *testing.T) {
	c := &Twilio{From: "+15550009999"}
	if _, err := c.SendSMS(context.Background(), "+15550000001", "x"); err == nil {
		t.Fatalf("expected missing credentials error")
	}
}

func TestTwilioWithoutHTTPClientIsSafeForConcurrentUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1"}`))
	}))
	defer srv.Close()

	c := &Twilio{AccountSID: "AC123", AuthToken: "secret", From: "+15550009999", BaseURL: srv.URL}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.SendSMS(context.Background(), "+15550000001", "EMERGENCY"); err != nil {
				t.Errorf("SendSMS: %v", err)
			}
		}()
	}
	wg.Wait()
	if c.HTTP != nil {
		t.Fatalf("client field should not be written by deliveries")
	}
}

func TestNewTwilioDefaults(t *testing.T) {
	c := NewTwilio("AC123", "secret", "+15550009999", "", 0)
	if c.BaseURL != defaultTwilioBaseURL || c.HTTP == nil {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	c = NewTwilio("AC123", "secret", "+15550009999", "http://example.test", 3*time.Second)
	if c.HTTP.Timeout != 3*time.Second || c.BaseURL != "http://example.test" {
		t.Fatalf("unexpected client: %+v", c)
	}
}
