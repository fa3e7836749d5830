package mailbox_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replypilot/mailbox"
)

func TestOutlookAdapter(t *testing.T) {
	var patched, sent map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/me/mailFolders/inbox/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "isRead eq false", r.URL.Query().Get("$filter"))
		assert.Equal(t, "10", r.URL.Query().Get("$top"))
		_, _ = w.Write([]byte(`{"value":[
			{"id":"m1","conversationId":"c1","internetMessageId":"<a@x>","subject":"Pricing?",
			 "from":{"emailAddress":{"name":"Ana","address":"Ana@Example.com"}},
			 "body":{"contentType":"text","content":" What does it cost? "}},
			{"id":"m2","conversationId":"c2","subject":"note to self",
			 "from":{"emailAddress":{"address":"me@acme.io"}},"body":{"contentType":"text","content":"x"}}
		]}`))
	})
	mux.HandleFunc("/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/me/sendMail", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := mailbox.NewOutlookAdapter(srv.Client(), srv.URL, "me@acme.io", logrus.NewEntry(logrus.New()))
	ctx := context.Background()

	msgs, err := a.ListUnread(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ana@example.com", msgs[0].From)
	assert.Equal(t, "c1", msgs[0].ThreadID)
	assert.Equal(t, "What does it cost?", msgs[0].Body)

	require.NoError(t, a.MarkRead(ctx, "m1"))
	assert.Equal(t, true, patched["isRead"])

	res, err := a.Send(ctx, mailbox.Email{To: "ana@example.com", Subject: "Re: Pricing?", Body: "Plans start at $49."})
	require.NoError(t, err)
	assert.True(t, res.Success)
	msg := sent["message"].(map[string]interface{})
	assert.Equal(t, "Re: Pricing?", msg["subject"])
}

func TestOutlookAdapter_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"InvalidAuthenticationToken"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := mailbox.NewOutlookAdapter(srv.Client(), srv.URL, "me@acme.io", logrus.NewEntry(logrus.New()))
	res, err := a.Send(context.Background(), mailbox.Email{To: "ana@example.com"})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "401")
}
