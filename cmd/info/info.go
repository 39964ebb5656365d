// Command info prints the summary section of an MCAP file: schema and
// channel tables, per-channel message counts, and chunk compression stats.
// It exists to exercise the public mcap package end to end as a real
// consumer, not as a feature-complete CLI.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/foxglove/mcap/go/mcap"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "info [file]",
	Short: "Print summary information about an MCAP file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		summary, err := loadSummary(f)
		if err != nil {
			return err
		}
		return printInfo(os.Stdout, summary)
	},
}

// loadSummary drives a mcap.SummaryLoader against f, fulfilling its
// ReadRequest/SeekRequest events with ordinary file reads and seeks.
func loadSummary(f *os.File) (*mcap.Summary, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	loader := mcap.NewSummaryLoader(true)
	for {
		ev, err := loader.NextEvent(stat.Size())
		if err != nil {
			return nil, err
		}
		switch ev.Kind {
		case mcap.SummaryDone:
			return ev.Summary, nil
		case mcap.SummarySeekRequest:
			if _, err := f.Seek(ev.Position, io.SeekStart); err != nil {
				return nil, err
			}
			loader.NotifySeekComplete()
		case mcap.SummaryNeedBytes:
			buf := loader.Insert(ev.Need)
			n, err := io.ReadFull(f, buf)
			if err != nil && err != io.ErrUnexpectedEOF {
				return nil, err
			}
			loader.NotifyRead(n)
		}
	}
}

func printInfo(w io.Writer, summary *mcap.Summary) error {
	if summary == nil || summary.Statistics == nil {
		fmt.Fprintln(w, "no summary section; statistics unavailable")
		return nil
	}
	stats := summary.Statistics
	fmt.Fprintf(w, "library:   unknown\n")
	fmt.Fprintf(w, "messages:  %d\n", stats.MessageCount)

	start := time.Unix(0, int64(stats.MessageStartTime))
	end := time.Unix(0, int64(stats.MessageEndTime))
	fmt.Fprintf(w, "duration:  %s\n", end.Sub(start))
	fmt.Fprintf(w, "start:     %s\n", start.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "end:       %s\n", end.Format(time.RFC3339Nano))

	if len(summary.ChunkIndexes) > 0 {
		type compStats struct {
			count                          int
			compressedSize, uncompressedSize uint64
		}
		byFormat := make(map[mcap.CompressionFormat]*compStats)
		for _, ci := range summary.ChunkIndexes {
			s, ok := byFormat[ci.Compression]
			if !ok {
				s = &compStats{}
				byFormat[ci.Compression] = s
			}
			s.count++
			s.compressedSize += ci.CompressedSize
			s.uncompressedSize += ci.UncompressedSize
		}
		fmt.Fprintf(w, "chunks:\n")
		formats := make([]string, 0, len(byFormat))
		for f := range byFormat {
			formats = append(formats, string(f))
		}
		sort.Strings(formats)
		for _, f := range formats {
			s := byFormat[mcap.CompressionFormat(f)]
			ratio := 0.0
			if s.uncompressedSize > 0 {
				ratio = 100 * (1 - float64(s.compressedSize)/float64(s.uncompressedSize))
			}
			fmt.Fprintf(w, "\t%s: %d chunks, %.2f%% compression\n", mcap.CompressionFormat(f).String(), s.count, ratio)
		}
	}

	fmt.Fprintf(w, "channels:\n")
	channels := summary.AllChannels()
	ids := make([]uint16, 0, len(channels))
	for id := range channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		ch := channels[id]
		schema := summary.Schema(ch.SchemaID)
		schemaName := "none"
		if schema != nil {
			schemaName = schema.Name
		}
		fmt.Fprintf(w, "\t(%d) %s  %d msgs  [%s]\n", ch.ID, ch.Topic, stats.ChannelMessageCounts[ch.ID], schemaName)
	}

	if len(summary.AttachmentIndexes) > 0 {
		fmt.Fprintf(w, "attachments: %d\n", len(summary.AttachmentIndexes))
	}
	if len(summary.MetadataIndexes) > 0 {
		fmt.Fprintf(w, "metadata records: %d\n", len(summary.MetadataIndexes))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
