package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/network"
	"github.com/kimhsiao/fieldsync/internal/sync/cache"
	"github.com/kimhsiao/fieldsync/internal/sync/orchestrator"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

func ago(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return humanize.Time(*t)
}

func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func writeStatus(w io.Writer, status models.SyncStatus, quality network.Quality, stats queue.Stats) {
	fmt.Fprintf(w, "Network:        %s (%s)\n", onlineLabel(status.IsOnline), quality)
	fmt.Fprintf(w, "Pending:        %s action(s)\n", humanize.Comma(int64(status.PendingActionCount)))
	if stats.Retried > 0 {
		fmt.Fprintf(w, "Retrying:       %d action(s)\n", stats.Retried)
	}
	if stats.Oldest != nil {
		fmt.Fprintf(w, "Oldest:         queued %s\n", humanize.Time(*stats.Oldest))
	}
	fmt.Fprintf(w, "Last sync:      %s\n", ago(status.LastSyncAt))
	if status.SyncInProgress {
		fmt.Fprintln(w, "Sync:           in progress")
	}
}

func writeDrainResult(w io.Writer, r orchestrator.DrainResult) {
	fmt.Fprintf(w, "Synced %d of %d action(s)", r.Succeeded, r.Attempted)
	var extra []string
	if r.Failed > 0 {
		extra = append(extra, fmt.Sprintf("%d will retry", r.Failed))
	}
	if r.Dropped > 0 {
		extra = append(extra, fmt.Sprintf("%d dropped", r.Dropped))
	}
	if r.Pruned > 0 {
		extra = append(extra, fmt.Sprintf("%d pruned", r.Pruned))
	}
	if len(extra) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(extra, ", "))
	}
	fmt.Fprintf(w, " in %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

func writeActions(w io.Writer, actions []models.OfflineAction) {
	if len(actions) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return
	}
	for _, a := range actions {
		line := fmt.Sprintf("%s  %-17s  queued %s", a.ID, a.Type, humanize.Time(a.CreatedAt))
		if a.RetryCount > 0 {
			line += fmt.Sprintf("  retries=%d", a.RetryCount)
		}
		if a.LastError != "" {
			line += "  last error: " + a.LastError
		}
		fmt.Fprintln(w, line)
	}
}

func writeQueueStats(w io.Writer, stats queue.Stats) {
	fmt.Fprintf(w, "Total: %d, retried: %d\n", stats.Total, stats.Retried)
	types := make([]string, 0, len(stats.ByType))
	for t := range stats.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "  %-17s %d\n", t, stats.ByType[models.ActionType(t)])
	}
}

func writeCacheStats(w io.Writer, stats cache.Stats) {
	fmt.Fprintf(w, "Records:    %d\n", stats.RecordCount)
	fmt.Fprintf(w, "Size:       %s\n", humanize.Bytes(uint64(stats.ApproxByteSize)))
	fmt.Fprintf(w, "Last sync:  %s\n", ago(stats.LastSyncAt))
}

func writeHistory(w io.Writer, history []models.BufferedUpdate) {
	if len(history) == 0 {
		fmt.Fprintln(w, "No recorded updates.")
		return
	}
	for i, u := range history {
		state := "pending"
		if u.Synced {
			state = "synced"
		}
		fmt.Fprintf(w, "#%d  %-7s  %s  %s\n", i, state, humanize.Time(u.CachedAt), u.Payload)
	}
}
