package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/stemsplit/internal/model"
)

func decode(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func receive(t *testing.T, client *Client) map[string]interface{} {
	t.Helper()
	select {
	case data := <-client.Send:
		return decode(t, data)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestHubDeliversJobChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil, nil)
	go hub.Run(ctx)

	client := &Client{JobID: "j1", Send: make(chan []byte, 8)}
	other := &Client{JobID: "j2", Send: make(chan []byte, 8)}
	require.True(t, hub.Register(client))
	require.True(t, hub.Register(other))

	job := model.NewJob("j1", "a.mp3", "", time.Now())
	require.NoError(t, job.Start(time.Now(), "Initializing..."))
	require.NoError(t, job.SetProgress(40, "Separating vocals..."))
	hub.JobChanged(job)

	msg := receive(t, client)
	assert.Equal(t, model.WSMessageTypeProgress, msg["type"])
	assert.Equal(t, "j1", msg["jobId"])
	assert.Equal(t, float64(40), msg["progress"])
	assert.Equal(t, "processing", msg["status"])
	assert.Equal(t, "Separating vocals...", msg["message"])

	bpm := 120
	require.NoError(t, job.Complete(time.Now(), map[string]string{"vocals": "https://h/api/tracks/j1/vocals.mp3"}, &bpm, 30))
	hub.JobChanged(job)

	msg = receive(t, client)
	assert.Equal(t, model.WSMessageTypeComplete, msg["type"])
	result := msg["result"].(map[string]interface{})
	assert.Equal(t, "completed", result["status"])
	assert.Equal(t, float64(120), result["bpm"])

	assert.Empty(t, other.Send)

	hub.Unregister(client)
	_, open := <-client.Send
	assert.False(t, open)
}

func TestMessageForFailedJob(t *testing.T) {
	job := model.NewJob("j1", "a.mp3", "", time.Now())
	require.NoError(t, job.Start(time.Now(), "Initializing..."))
	require.NoError(t, job.Fail(time.Now(), "separation tool failed: boom", ""))

	msg, ok := messageFor(job).(model.WSErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "JOB_FAILED", msg.Error.Code)
	assert.Equal(t, "separation tool failed: boom", msg.Error.Message)
}

func TestJobChangedNeverBlocks(t *testing.T) {
	hub := NewHub(nil, nil)
	job := model.NewJob("j1", "a.mp3", "", time.Now())

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer*2; i++ {
			hub.JobChanged(job)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("JobChanged blocked without a running hub")
	}
}

func TestHubStopClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil, nil)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	client := &Client{JobID: "j1", Send: make(chan []byte, 1)}
	require.True(t, hub.Register(client))
	cancel()
	<-stopped

	_, open := <-client.Send
	assert.False(t, open)
	assert.False(t, hub.Register(&Client{JobID: "j2", Send: make(chan []byte)}))
	hub.Unregister(client)
}
