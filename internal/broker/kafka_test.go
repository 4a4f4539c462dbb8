package broker

import (
	"testing"
	"time"

	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeReport(t *testing.T) {
	report := &model.RunReport{Site: "stanford", Records: 12, Requests: 4, Failed: 1, Duration: time.Second}

	msg, err := EncodeReport(report)

	require.NoError(t, err)
	assert.Equal(t, "stanford", string(msg.Key))
	var decoded map[string]any
	require.NoError(t, jsoniter.Unmarshal(msg.Value, &decoded))
	assert.EqualValues(t, 12, decoded["records"])
	assert.EqualValues(t, 1, decoded["failed"])
}

func TestDecodeTask(t *testing.T) {
	task, err := DecodeTask(kafka.Message{Value: []byte(`{"site":"uva","resume":true}`)})
	require.NoError(t, err)
	assert.Equal(t, &model.RunTask{Site: "uva", Resume: true}, task)

	task, err = DecodeTask(kafka.Message{Key: []byte("stanford"), Value: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "stanford", task.Site)

	_, err = DecodeTask(kafka.Message{Value: []byte(`{}`)})
	assert.Error(t, err)
	_, err = DecodeTask(kafka.Message{Value: []byte(`not json`)})
	assert.Error(t, err)
}
