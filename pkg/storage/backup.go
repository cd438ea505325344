package storage

import (
	"fmt"
	"log"
	"os"
	"time"
)

// Backup tier sizes and rotation cadence.
//
// Recent backups rotate on every eligible save (at most once per
// BackupIntervalSeconds). The backup falling off the recent tier is
// promoted to the daily tier if a day has passed since the last daily,
// and off the end of daily into weekly the same way. Worst case on disk:
// 3 hourly + 7 daily + 4 weekly snapshots per graph file.
const (
	MaxRecentBackups      = 3
	MaxDailyBackups       = 7
	MaxWeeklyBackups      = 4
	BackupIntervalSeconds = 3600
)

func (p *Persistence) recentPath(i int) string { return fmt.Sprintf("%s.bak.%d", p.stem(), i) }
func (p *Persistence) dailyPath(i int) string  { return fmt.Sprintf("%s.bak.daily.%d", p.stem(), i) }
func (p *Persistence) weeklyPath(i int) string { return fmt.Sprintf("%s.bak.weekly.%d", p.stem(), i) }

// MaybeBackup rotates the backup tiers if the graph file exists and at
// least BackupIntervalSeconds have passed since the marker file's mtime.
// Returns true when a backup was taken.
func (p *Persistence) MaybeBackup() bool {
	if _, err := os.Stat(p.path); err != nil {
		return false
	}

	now := p.nowFn()
	if info, err := os.Stat(p.markerPath()); err == nil {
		lastBackup := float64(info.ModTime().UnixNano()) / float64(time.Second)
		if now-lastBackup < BackupIntervalSeconds {
			return false
		}
	}

	p.rotateBackups(now)

	if err := p.touchMarker(now); err != nil {
		log.Printf("failed to update backup marker %s: %v", p.markerPath(), err)
	}
	return true
}

func (p *Persistence) touchMarker(now float64) error {
	marker := p.markerPath()
	f, err := os.OpenFile(marker, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	mtime := time.Unix(0, int64(now*float64(time.Second)))
	return os.Chtimes(marker, mtime, mtime)
}

// rotateBackups shifts the recent tier up by one and snapshots the
// current file into slot 1. The backup evicted from the last recent slot
// gets a chance at daily promotion first.
func (p *Persistence) rotateBackups(now float64) {
	oldest := p.recentPath(MaxRecentBackups)
	if _, err := os.Stat(oldest); err == nil {
		p.promoteToDaily(oldest, now)
	}

	for i := MaxRecentBackups - 1; i >= 1; i-- {
		if _, err := os.Stat(p.recentPath(i)); err == nil {
			if err := copyFile(p.recentPath(i), p.recentPath(i+1)); err != nil {
				log.Printf("backup rotation failed for %s: %v", p.recentPath(i), err)
			}
		}
	}

	if err := copyFile(p.path, p.recentPath(1)); err != nil {
		log.Printf("failed to create backup %s: %v", p.recentPath(1), err)
		return
	}
	log.Printf("created recent backup: %s", p.recentPath(1))
}

// promoteToDaily copies source into daily slot 1, but only when the
// current daily.1 is at least a day old. The daily evicted from the last
// slot gets a chance at weekly promotion.
func (p *Persistence) promoteToDaily(source string, now float64) {
	daily1 := p.dailyPath(1)
	if info, err := os.Stat(daily1); err == nil {
		ageDays := (now - float64(info.ModTime().UnixNano())/float64(time.Second)) / (24 * 60 * 60)
		if ageDays < 1.0 {
			return
		}
	}

	oldest := p.dailyPath(MaxDailyBackups)
	if _, err := os.Stat(oldest); err == nil {
		p.promoteToWeekly(oldest, now)
	}

	for i := MaxDailyBackups - 1; i >= 1; i-- {
		if _, err := os.Stat(p.dailyPath(i)); err == nil {
			if err := copyFile(p.dailyPath(i), p.dailyPath(i+1)); err != nil {
				log.Printf("daily rotation failed for %s: %v", p.dailyPath(i), err)
			}
		}
	}

	if err := copyFile(source, daily1); err != nil {
		log.Printf("daily promotion failed for %s: %v", source, err)
		return
	}
	log.Printf("promoted to daily backup: %s", daily1)
}

// promoteToWeekly copies source into weekly slot 1 when the current
// weekly.1 is at least a week old. Whatever falls off the last weekly
// slot is gone for good.
func (p *Persistence) promoteToWeekly(source string, now float64) {
	weekly1 := p.weeklyPath(1)
	if info, err := os.Stat(weekly1); err == nil {
		ageWeeks := (now - float64(info.ModTime().UnixNano())/float64(time.Second)) / (7 * 24 * 60 * 60)
		if ageWeeks < 1.0 {
			return
		}
	}

	for i := MaxWeeklyBackups - 1; i >= 1; i-- {
		if _, err := os.Stat(p.weeklyPath(i)); err == nil {
			if err := copyFile(p.weeklyPath(i), p.weeklyPath(i+1)); err != nil {
				log.Printf("weekly rotation failed for %s: %v", p.weeklyPath(i), err)
			}
		}
	}

	if err := copyFile(source, weekly1); err != nil {
		log.Printf("weekly promotion failed for %s: %v", source, err)
		return
	}
	log.Printf("promoted to weekly backup: %s", weekly1)
}
