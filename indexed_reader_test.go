package mcap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexedReaderFileOrder(t *testing.T) {
	opts := NewWriterOptions()
	one := uint64(1)
	opts.ChunkSize = &one // force one message per chunk, several chunks
	data := writeTestFile(t, opts, 8)

	summary := loadSummaryFromBytes(t, data)
	require.NotNil(t, summary)
	require.NotEmpty(t, summary.ChunkIndexes)

	ir := NewIndexedReader(summary, InOrder(FileOrder))
	events := readAllIndexed(t, ir, data)
	require.Len(t, events, 8)
	for i, ev := range events {
		assert.Equal(t, uint64(i), ev.Message.LogTime)
		assert.Equal(t, "/t", ev.Channel.Topic)
		assert.Equal(t, "s", ev.Schema.Name)
	}
}

func TestIndexedReaderLogTimeAndReverseLogTimeOrder(t *testing.T) {
	opts := NewWriterOptions()
	one := uint64(1)
	opts.ChunkSize = &one
	data := writeTestFile(t, opts, 6)
	summary := loadSummaryFromBytes(t, data)

	forward := NewIndexedReader(summary, InOrder(LogTimeOrder))
	fwdEvents := readAllIndexed(t, forward, data)
	var fwdTimes []uint64
	for _, ev := range fwdEvents {
		fwdTimes = append(fwdTimes, ev.Message.LogTime)
	}
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5}, fwdTimes)

	reverse := NewIndexedReader(summary, InOrder(ReverseLogTimeOrder))
	revEvents := readAllIndexed(t, reverse, data)
	var revTimes []uint64
	for _, ev := range revEvents {
		revTimes = append(revTimes, ev.Message.LogTime)
	}
	assert.Equal(t, []uint64{5, 4, 3, 2, 1, 0}, revTimes)
}

func TestIndexedReaderTimeRangeFilter(t *testing.T) {
	data := writeTestFile(t, NewWriterOptions(), 10)
	summary := loadSummaryFromBytes(t, data)

	ir := NewIndexedReader(summary, AfterNanos(3), BeforeNanos(7))
	events := readAllIndexed(t, ir, data)
	var times []uint64
	for _, ev := range events {
		times = append(times, ev.Message.LogTime)
	}
	assert.Equal(t, []uint64{3, 4, 5, 6}, times)
}

func TestIndexedReaderTopicFilterExcludesAllChunks(t *testing.T) {
	data := writeTestFile(t, NewWriterOptions(), 5)
	summary := loadSummaryFromBytes(t, data)

	ir := NewIndexedReader(summary, WithTopics([]string{"/nonexistent"}))
	events := readAllIndexed(t, ir, data)
	assert.Empty(t, events)
}
