package client

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/toursync/toursync/internal/notify"
)

// Toaster shows a transient notice for a notification.
type Toaster interface {
	Toast(n notify.Notification)
}

// AudioPlayer plays an audible cue. Playback is best-effort: errors are
// logged at debug level and discarded.
type AudioPlayer interface {
	Play(n notify.Notification) error
}

// ToasterFunc adapts a function to Toaster.
type ToasterFunc func(n notify.Notification)

// Toast implements Toaster.
func (f ToasterFunc) Toast(n notify.Notification) { f(n) }

// AudioPlayerFunc adapts a function to AudioPlayer.
type AudioPlayerFunc func(n notify.Notification) error

// Play implements AudioPlayer.
func (f AudioPlayerFunc) Play(n notify.Notification) error { return f(n) }

// shouldToast reports whether n gets a toast. Announcements only update the list.
func shouldToast(n notify.Notification) bool {
	return n.Type != notify.TypeAnnouncement
}

// shouldPlay reports whether n gets an audio cue.
func shouldPlay(n notify.Notification) bool {
	return n.Severity == notify.SeverityCritical
}

// present hands n to the configured presenters. A presenter that fails or
// panics never affects the caller.
func present(toaster Toaster, player AudioPlayer, n notify.Notification) {
	if toaster != nil && shouldToast(n) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Debug("toast presenter panicked", "notification_id", n.ID, "panic", r)
				}
			}()
			toaster.Toast(n)
		}()
	}

	if player != nil && shouldPlay(n) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Debug("audio player panicked", "notification_id", n.ID, "panic", r)
				}
			}()
			if err := player.Play(n); err != nil {
				slog.Debug("audio cue failed", "notification_id", n.ID, "error", err)
			}
		}()
	}
}

// WriterToaster prints one line per notification, e.g. for a terminal.
type WriterToaster struct {
	W io.Writer
}

// Toast implements Toaster.
func (t WriterToaster) Toast(n notify.Notification) {
	fmt.Fprintf(t.W, "%s [%s] %s: %s\n", n.Timestamp.Local().Format("15:04:05"), n.Severity, n.Title, n.Message)
}

// BellPlayer rings the terminal bell.
type BellPlayer struct {
	W io.Writer
}

// Play implements AudioPlayer.
func (b BellPlayer) Play(notify.Notification) error {
	_, err := io.WriteString(b.W, "\a")
	return err
}
