package mcap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, opts *WriterOptions, messageCount int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, opts)
	require.NoError(t, err)

	schemaID, err := w.AddSchema(&Schema{Name: "s", Encoding: "e", Data: []byte("x")})
	require.NoError(t, err)
	channelID, err := w.AddChannel(&Channel{SchemaID: schemaID, Topic: "/t", MessageEncoding: "raw"})
	require.NoError(t, err)
	for i := 0; i < messageCount; i++ {
		require.NoError(t, w.WriteMessage(&Message{
			ChannelID:   channelID,
			Sequence:    uint32(i),
			LogTime:     uint64(i),
			PublishTime: uint64(i),
			Data:        []byte{byte(i)},
		}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestSummaryLoaderLoadsStatisticsAndTables(t *testing.T) {
	data := writeTestFile(t, NewWriterOptions(), 10)

	summary := loadSummaryFromBytes(t, data)
	require.NotNil(t, summary)
	require.NotNil(t, summary.Statistics)
	assert.Equal(t, uint64(10), summary.Statistics.MessageCount)
	assert.EqualValues(t, 1, summary.Statistics.SchemaCount)
	assert.EqualValues(t, 1, summary.Statistics.ChannelCount)

	schema := summary.Schema(1)
	require.NotNil(t, schema)
	assert.Equal(t, "s", schema.Name)

	channels := summary.AllChannels()
	require.Len(t, channels, 1)
	ch := summary.Channel(1)
	require.NotNil(t, ch)
	assert.Equal(t, "/t", ch.Topic)

	assert.NotEmpty(t, summary.ChunkIndexes)
}

func TestSummaryLoaderNoSummarySection(t *testing.T) {
	opts := NewWriterOptions()
	opts.RepeatSchemas = false
	opts.RepeatChannels = false
	opts.EmitStatistics = false
	opts.EmitChunkIndexes = false
	opts.EmitAttachmentIndexes = false
	opts.EmitMetadataIndexes = false
	opts.EmitMessageIndexes = false
	opts.EmitSummaryOffsets = false
	opts.CalculateSummarySectionCRC = false

	data := writeTestFile(t, opts, 3)
	summary := loadSummaryFromBytes(t, data)
	assert.Nil(t, summary)
}

func TestSummaryLoaderUnboundedChannelsMatchSummary(t *testing.T) {
	data := writeTestFile(t, NewWriterOptions(), 5)
	summary := loadSummaryFromBytes(t, data)
	require.NotNil(t, summary)
	assert.Nil(t, summary.Channel(999))
	assert.Nil(t, summary.Schema(999))
}
