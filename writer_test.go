package mcap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterSchemaChannelDedupByContent(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, NewWriterOptions())
	require.NoError(t, err)

	id1, err := w.AddSchema(&Schema{Name: "s", Encoding: "e", Data: []byte("x")})
	require.NoError(t, err)
	id2, err := w.AddSchema(&Schema{Name: "s", Encoding: "e", Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "identical schema content should reuse the same id")

	chID1, err := w.AddChannel(&Channel{SchemaID: id1, Topic: "/t", MessageEncoding: "raw"})
	require.NoError(t, err)
	chID2, err := w.AddChannel(&Channel{SchemaID: id1, Topic: "/t", MessageEncoding: "raw"})
	require.NoError(t, err)
	assert.Equal(t, chID1, chID2)
	assert.EqualValues(t, 1, w.stats.SchemaCount)
	assert.EqualValues(t, 1, w.stats.ChannelCount)

	require.NoError(t, w.Close())
}

func TestWriterConflictingSchemaID(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, NewWriterOptions())
	require.NoError(t, err)

	_, err = w.AddSchema(&Schema{ID: 7, Name: "a", Encoding: "e", Data: []byte("1")})
	require.NoError(t, err)
	_, err = w.AddSchema(&Schema{ID: 7, Name: "b", Encoding: "e", Data: []byte("2")})
	var conflict *ErrConflictingSchemas
	assert.ErrorAs(t, err, &conflict)
}

func TestWriterExplicitIDPreservedOnDuplicateContent(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, NewWriterOptions())
	require.NoError(t, err)

	id1, err := w.AddSchema(&Schema{ID: 5, Name: "s", Encoding: "e", Data: []byte("x")})
	require.NoError(t, err)
	assert.EqualValues(t, 5, id1)

	// Same content, different explicit id: must not collapse onto id1 - the
	// caller's exact id is written as its own record.
	id2, err := w.AddSchema(&Schema{ID: 9, Name: "s", Encoding: "e", Data: []byte("x")})
	require.NoError(t, err)
	assert.EqualValues(t, 9, id2)
	assert.EqualValues(t, 2, w.stats.SchemaCount, "both explicit ids should each get their own written record")

	got5 := w.schemas.get(5)
	got9 := w.schemas.get(9)
	require.NotNil(t, got5)
	require.NotNil(t, got9)
	assert.EqualValues(t, 5, got5.ID)
	assert.EqualValues(t, 9, got9.ID)

	// A subsequent id==0 lookup by content still resolves to whichever id
	// became canonical first (id1), not the later duplicate (id2).
	id3, err := w.AddSchema(&Schema{Name: "s", Encoding: "e", Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, id1, id3)
	assert.EqualValues(t, 2, w.stats.SchemaCount, "id==0 dedup lookup should not write a new record")

	chID1, err := w.AddChannel(&Channel{ID: 3, SchemaID: id1, Topic: "/t", MessageEncoding: "raw"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, chID1)
	chID2, err := w.AddChannel(&Channel{ID: 4, SchemaID: id1, Topic: "/t", MessageEncoding: "raw"})
	require.NoError(t, err)
	assert.EqualValues(t, 4, chID2)
	assert.EqualValues(t, 2, w.stats.ChannelCount)

	require.NoError(t, w.Close())
}

func TestWriterUnknownChannelOnMessage(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, NewWriterOptions())
	require.NoError(t, err)

	err = w.WriteMessage(&Message{ChannelID: 42, Sequence: 0, LogTime: 0, PublishTime: 0})
	var unknown *ErrUnknownChannel
	assert.ErrorAs(t, err, &unknown)
}

func TestWriterAttachmentLifecycle(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, NewWriterOptions())
	require.NoError(t, err)

	require.NoError(t, w.StartAttachment(1, 2, "a.bin", "application/octet-stream", 4))
	require.NoError(t, w.PutAttachmentBytes([]byte{1, 2}))
	require.NoError(t, w.PutAttachmentBytes([]byte{3, 4}))
	require.NoError(t, w.FinishAttachment())

	require.NoError(t, w.Close())
	assert.EqualValues(t, 1, w.stats.AttachmentCount)
	require.Len(t, w.attachmentIndexes, 1)
	assert.Equal(t, uint64(4), w.attachmentIndexes[0].DataSize)
}

func TestWriterAttachmentTooLarge(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, NewWriterOptions())
	require.NoError(t, err)

	require.NoError(t, w.StartAttachment(1, 2, "a.bin", "application/octet-stream", 2))
	err = w.PutAttachmentBytes([]byte{1, 2, 3})
	var tooLarge *ErrAttachmentTooLarge
	assert.ErrorAs(t, err, &tooLarge)
}

func TestWriterSecondAttachmentWhileOneInProgress(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, NewWriterOptions())
	require.NoError(t, err)

	require.NoError(t, w.StartAttachment(1, 2, "a.bin", "application/octet-stream", 1))
	err = w.StartAttachment(1, 2, "b.bin", "application/octet-stream", 1)
	assert.ErrorIs(t, err, ErrAttachmentInProgress)
}

func TestWriterMessageWhileAttachmentInProgress(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, NewWriterOptions())
	require.NoError(t, err)

	schemaID, err := w.AddSchema(&Schema{Name: "s", Encoding: "e"})
	require.NoError(t, err)
	channelID, err := w.AddChannel(&Channel{SchemaID: schemaID, Topic: "/t", MessageEncoding: "raw"})
	require.NoError(t, err)

	require.NoError(t, w.StartAttachment(1, 2, "a.bin", "application/octet-stream", 1))
	err = w.WriteMessage(&Message{ChannelID: channelID, LogTime: 1, PublishTime: 1})
	assert.ErrorIs(t, err, ErrAttachmentInProgress)
}

func TestWriterFinishedRejectsFurtherWrites(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, NewWriterOptions())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.AddSchema(&Schema{Name: "s", Encoding: "e"})
	assert.ErrorIs(t, err, ErrWriterFinished)
}

func TestWriterUnchunkedProducesParsableFile(t *testing.T) {
	var buf bytes.Buffer
	opts := NewWriterOptions()
	opts.UseChunks = false
	w, err := NewWriter(&buf, opts)
	require.NoError(t, err)

	schemaID, err := w.AddSchema(&Schema{Name: "s", Encoding: "e"})
	require.NoError(t, err)
	channelID, err := w.AddChannel(&Channel{SchemaID: schemaID, Topic: "/t", MessageEncoding: "raw"})
	require.NoError(t, err)
	require.NoError(t, w.WriteMessage(&Message{ChannelID: channelID, LogTime: 1, PublishTime: 1, Data: []byte{1}}))
	require.NoError(t, w.Close())

	lr := NewLinearReader(WithValidateDataSectionCRC(), WithValidateSummarySectionCRC())
	events := feedAll(t, lr, buf.Bytes())
	var sawMessage bool
	for _, ev := range events {
		if ev.Opcode == OpMessage {
			sawMessage = true
		}
	}
	assert.True(t, sawMessage)
}
