// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "rgan.training.progressBar"

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the time between updates of the stats table.
const maxUpdateFrequency = 200 * time.Millisecond

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressUpdate struct {
	amount int
	rows   [][2]string
}

// progressBar displays the progression of the steps, and a table with the latest losses.
type progressBar struct {
	bar           *progressbar.ProgressBar
	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	numRows       int

	// skipped counts steps whose update was dropped because the display was behind.
	skipped int

	updates          chan progressUpdate
	asyncUpdatesDone sync.WaitGroup
}

// AttachProgressBar attaches a command-line progress bar to the loop: it shows the steps of the whole run,
// and below it a table with the epoch, batch, median step duration and the losses of the last step.
//
// Updates are printed asynchronously, so a slow terminal doesn't slow down the training.
func AttachProgressBar(loop *Loop) {
	pBar := &progressBar{
		isFirstOutput: true,
		termenv:       termenv.NewOutput(os.Stdout),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		statsTable: lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			}),
	}
	loop.OnStart(ProgressBarName, pBar.onStart)
	loop.OnStep(ProgressBarName, pBar.onStep)
	loop.OnEnd(ProgressBarName, pBar.onEnd)
}

func (pBar *progressBar) onStart(loop *Loop) error {
	numSteps := loop.State.NumEpochs * loop.State.NumBatches
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	pBar.updates = make(chan progressUpdate, 100)
	pBar.asyncUpdatesDone.Add(1)
	go pBar.display()
	return nil
}

func (pBar *progressBar) onStep(loop *Loop) error {
	state := &loop.State
	update := progressUpdate{
		amount: 1 + pBar.skipped,
		rows: [][2]string{
			{"Epoch", fmt.Sprintf("%s of %s", humanize.Comma(int64(state.Epoch+1)), humanize.Comma(int64(state.NumEpochs)))},
			{"Batch", fmt.Sprintf("%s of %s", humanize.Comma(int64(state.Batch+1)), humanize.Comma(int64(state.NumBatches)))},
			{"Median step duration", commandline.FormatDuration(loop.MedianStepDuration())},
			{"Discriminator loss", fmt.Sprintf("%.4f (real %.4f, fake %.4f)", state.DLoss, state.RealLoss, state.FakeLoss)},
			{"Generator loss", fmt.Sprintf("%.4f", state.GLoss)},
		},
	}
	select {
	case pBar.updates <- update:
		pBar.skipped = 0
	default:
		pBar.skipped = update.amount
	}
	return nil
}

func (pBar *progressBar) onEnd(_ *Loop, _ error) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		pBar.updates = nil
	}
	pBar.termenv.ShowCursor()
	fmt.Println()
	return nil
}

// display consumes the updates until the channel is closed.
func (pBar *progressBar) display() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Merge pending updates, only the latest rows are displayed.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			// Table rows, its top and bottom borders, and the progress bar lines.
			pBar.termenv.CursorPrevLine(pBar.numRows + 2 + 2)
		}
		pBar.isFirstOutput = false
		pBar.numRows = len(update.rows)
		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount)
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}
