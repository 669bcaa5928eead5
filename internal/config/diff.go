package config

import (
	"reflect"
	"sort"
	"strings"
)

// SummarizeChange returns the config sections that differ between old
// and new. Secrets (tokens, passwords) only ever influence the section
// name, never the output, so the result is safe to log.
func SummarizeChange(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		strings.TrimSpace(oldCfg.Telegram.DownloadsDir) != strings.TrimSpace(newCfg.Telegram.DownloadsDir) ||
		oldCfg.Telegram.MaxPhotoBytes != newCfg.Telegram.MaxPhotoBytes ||
		oldCfg.Telegram.MaxVideoBytes != newCfg.Telegram.MaxVideoBytes {
		changed = append(changed, "telegram")
	}

	if oldCfg.Instagram != newCfg.Instagram {
		changed = append(changed, "instagram")
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
	}

	if oldCfg.Limits.MaxAttempts != newCfg.Limits.MaxAttempts ||
		!reflect.DeepEqual(oldCfg.Limits.RetryBackoff, newCfg.Limits.RetryBackoff) ||
		strings.TrimSpace(oldCfg.Limits.Retention) != strings.TrimSpace(newCfg.Limits.Retention) ||
		oldCfg.Limits.PendingPerOwner != newCfg.Limits.PendingPerOwner ||
		strings.TrimSpace(oldCfg.Limits.MinLead) != strings.TrimSpace(newCfg.Limits.MinLead) ||
		strings.TrimSpace(oldCfg.Limits.MaxHorizon) != strings.TrimSpace(newCfg.Limits.MaxHorizon) {
		changed = append(changed, "limits")
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
	}

	oldN, newN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if oldN != newN {
		changed = append(changed, "notifier")
	}

	sort.Strings(changed)
	return changed
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{Enabled: true, RatePerSec: 3}
	}
	return *n
}
