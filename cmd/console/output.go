package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/lightforgemedia/xybot-console/pkg/channel"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	cyan   = color.New(color.FgCyan)
	gray   = color.New(color.FgHiBlack)
)

func stateColor(s channel.State) *color.Color {
	switch s {
	case channel.StateOpen:
		return green
	case channel.StateConnecting, channel.StateRetrying:
		return yellow
	case channel.StateGivenUp:
		return red
	default:
		return gray
	}
}

func printState(change channel.StateChange, maxAttempts int) {
	line := fmt.Sprintf("%s -> %s", change.From, change.To)
	if change.To == channel.StateRetrying || change.To == channel.StateGivenUp {
		line += fmt.Sprintf(" (attempt %d/%d)", change.Retries, maxAttempts)
	}
	fmt.Println(gray.Sprint(time.Now().Format("15:04:05")), stateColor(change.To).Sprint(line))
}

func printEvent(eventType string, body string) {
	fmt.Println(gray.Sprint(time.Now().Format("15:04:05")), cyan.Sprint(eventType), body)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatUptime(seconds float64) string {
	return (time.Duration(seconds) * time.Second).String()
}
