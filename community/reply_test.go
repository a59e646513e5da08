package community

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newReplyTestClient(serverUrl string) *ReplyClient {
	return NewReplyClient(&ReplySettings{
		BaseUrl: serverUrl,
		ApiKey:  "test-key",
		Model:   "test-model",
		Timeout: 2 * time.Second,
	})
}

func TestNeighborReply(t *testing.T) {
	var requestPath string
	var requestBody generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&requestBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&generateResponse{
			Candidates: []struct {
				Content generateContent `json:"content"`
			}{
				{Content: generateContent{Parts: []generatePart{{Text: "  Stay warm out there!  "}}}},
			},
		})
	}))
	defer server.Close()

	client := newReplyTestClient(server.URL)
	reply := client.NeighborReply(context.Background(), "got any salt?", "Bob", "Apt 2 - R1 - B1")
	// whitespace is trimmed off the generated text
	assert.Equal(t, "Stay warm out there!", reply)

	assert.Equal(t, "/v1beta/models/test-model:generateContent", requestPath)
	assert.Equal(t, 1, len(requestBody.Contents))
	prompt := requestBody.Contents[0].Parts[0].Text
	assert.Equal(t, true, strings.Contains(prompt, "got any salt?"))
	assert.Equal(t, true, strings.Contains(prompt, "Bob"))
	assert.Equal(t, true, strings.Contains(prompt, "Apt 2 - R1 - B1"))
}

func TestNeighborReplyFallbackOnError(t *testing.T) {
	// endpoint rejects the request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newReplyTestClient(server.URL)
	reply := client.NeighborReply(context.Background(), "hi", "Bob", "Apt 2 - R1 - B1")
	assert.Equal(t, replyFallback, reply)

	// endpoint is unreachable
	client = newReplyTestClient("http://127.0.0.1:1")
	reply = client.NeighborReply(context.Background(), "hi", "Bob", "Apt 2 - R1 - B1")
	assert.Equal(t, replyFallback, reply)
}

func TestNeighborReplyDefaultOnEmpty(t *testing.T) {
	responses := []string{
		`{"candidates":[]}`,
		`{"candidates":[{"content":{"parts":[]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"   "}]}}]}`,
	}
	i := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(responses[i]))
		i += 1
	}))
	defer server.Close()

	client := newReplyTestClient(server.URL)
	for range responses {
		reply := client.NeighborReply(context.Background(), "hi", "Bob", "Apt 2 - R1 - B1")
		assert.Equal(t, replyDefaultText, reply)
	}
}
