package main

import (
	"fmt"

	"github.com/pterm/pterm"
	"go.uber.org/multierr"
)

// progressBar is the subset of a pterm progress bar used during training.
type progressBar interface {
	Advance(title string)
	Finish() error
}

type progressBarFactory func(title string, total int) (progressBar, error)

type ptermBar struct {
	printer *pterm.ProgressbarPrinter
}

func (b *ptermBar) Advance(title string) {
	b.printer.UpdateTitle(title)
	b.printer.Increment()
}

func (b *ptermBar) Finish() error {
	_, err := b.printer.Stop()
	return err
}

func newPtermBar(title string, total int) (progressBar, error) {
	printer, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle(title).
		WithRemoveWhenDone(true).
		Start()
	if err != nil {
		return nil, err
	}
	return &ptermBar{printer: printer}, nil
}

// trainProgress renders one progress bar per epoch and a summary line after
// each epoch.
type trainProgress struct {
	newBar  progressBarFactory
	printer pterm.TextPrinter
	success pterm.TextPrinter
	bar     progressBar
	err     error
}

func newTrainProgress() *trainProgress {
	return &trainProgress{
		newBar:  newPtermBar,
		printer: &pterm.Info,
		success: &pterm.Success,
	}
}

func (p *trainProgress) Batch(epoch, index, total int, loss float64) {
	if index == 0 || p.bar == nil {
		p.finish()
		bar, err := p.newBar(fmt.Sprintf("Epoch %d", epoch+1), total)
		if err != nil {
			p.err = multierr.Append(p.err, err)
			return
		}
		p.bar = bar
	}
	p.bar.Advance(fmt.Sprintf("Epoch %d loss %.4f", epoch+1, loss))
}

func (p *trainProgress) Epoch(epoch, epochs int, loss float64, saved bool) {
	p.finish()
	p.printer.Printfln("Epoch %d/%d, Loss: %.4f", epoch+1, epochs, loss)
	if saved {
		p.success.Printfln("Saved checkpoint (best loss %.4f)", loss)
	}
}

func (p *trainProgress) finish() {
	if p.bar == nil {
		return
	}
	p.err = multierr.Append(p.err, p.bar.Finish())
	p.bar = nil
}

// Err returns rendering errors collected during the run.
func (p *trainProgress) Err() error {
	p.finish()
	return p.err
}
