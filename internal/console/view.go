package console

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/go_func_utils"
)

const logRefreshInterval = 100 * time.Millisecond

const instructions = "[yellow]S[white] Toggle Scan  |  [yellow]Enter[white] Connect  |  [yellow]D[white] Disconnect  |  [yellow]I[white] Info\n" +
	"[yellow]+[white]/[yellow]-[white] ERG Target  |  [yellow]Tab[white] Focus  |  [yellow]Ctrl-Z[white] Suspend  |  [yellow]Esc[white] Quit"

// View renders the model with tview and forwards keys to the controller.
type View struct {
	logger     *log.Logger
	app        *tview.Application
	model      *Model
	controller *Controller

	deviceList *tview.List
	dashboard  *tview.TextView
	logView    *tview.TextView
	mainFlex   *tview.Flex

	rowsMu sync.Mutex
	rows   []DeviceRow

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()
}

func NewView(model *Model, controller *Controller, logger *log.Logger) *View {
	if model == nil {
		panic("View: model cannot be nil")
	}
	if controller == nil {
		panic("View: controller cannot be nil")
	}
	if logger == nil {
		panic("View: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		logger:     logger,
		app:        tview.NewApplication(),
		model:      model,
		controller: controller,
		ctx:        ctx,
		cancel:     cancel,
	}
	v.initialize()
	v.setupKeyboardHandlers()
	return v
}

func (v *View) initialize() {
	instructionsText := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	instructionsText.SetText(instructions)

	v.deviceList = tview.NewList().
		ShowSecondaryText(false).
		SetSelectedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
			if row, ok := v.rowAt(index); ok {
				v.logger.Printf("UI: Connecting to %s (%s)", row.Name, row.ID)
				v.controller.Connect(row.ID)
			}
		})
	v.deviceList.SetBorder(true).SetTitle(" Devices ")

	v.dashboard = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	v.dashboard.SetBorder(true).SetTitle(" Dashboard ")

	// No SetChangedFunc with app.Draw: it hangs when lines arrive after the
	// app has stopped.
	v.logView = tview.NewTextView().
		SetDynamicColors(false).
		SetScrollable(false)
	v.logView.SetBorder(true).SetTitle(" Logs ")

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(instructionsText, 2, 0, false).
		AddItem(v.deviceList, 0, 3, true).
		AddItem(v.dashboard, 8, 0, false)

	v.mainFlex = tview.NewFlex().
		AddItem(left, 0, 1, true).
		AddItem(v.logView, 0, 1, false)

	v.renderDashboard(v.model.Metrics(), v.model.TrainerControl())
}

func (v *View) setupKeyboardHandlers() {
	v.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEscape:
			v.controller.OnEscapeKey()
			return nil
		case tcell.KeyCtrlZ:
			v.suspend()
			return nil
		case tcell.KeyTab:
			if v.deviceList.HasFocus() {
				v.app.SetFocus(v.logView)
			} else {
				v.app.SetFocus(v.deviceList)
			}
			return nil
		case tcell.KeyRune:
		default:
			return event
		}

		switch event.Rune() {
		case 's', 'S':
			v.controller.ToggleDeviceScan()
		case 'd', 'D':
			if row, ok := v.rowAt(v.deviceList.GetCurrentItem()); ok {
				v.controller.Disconnect(row.ID)
			}
		case 'i', 'I':
			if row, ok := v.rowAt(v.deviceList.GetCurrentItem()); ok {
				v.logger.Printf("UI: %s", v.controller.Summary(row.ID))
			}
		case '+', '=':
			v.controller.AdjustTargetPower(1)
		case '-', '_':
			v.controller.AdjustTargetPower(-1)
		default:
			return event
		}
		return nil
	})
}

// suspend stops the process like a shell job control Ctrl-Z, with the
// terminal restored and the radio scan parked until it is continued.
func (v *View) suspend() {
	v.controller.Suspend()
	v.app.Suspend(func() {
		if err := suspendProcess(); err != nil {
			v.logger.Printf("UI: Suspend failed: %v", err)
		}
	})
	v.controller.Resume()
}

func (v *View) rowAt(index int) (DeviceRow, bool) {
	v.rowsMu.Lock()
	defer v.rowsMu.Unlock()
	if index < 0 || index >= len(v.rows) {
		return DeviceRow{}, false
	}
	return v.rows[index], true
}

// queue runs fn on the UI goroutine, dropping it once the app has stopped.
func (v *View) queue(fn func()) {
	if !v.running.Load() {
		return
	}
	v.app.QueueUpdateDraw(fn)
}

func (v *View) setupEventListeners() {
	v.unsubs = append(v.unsubs,
		v.model.ListenToDevices(func(rows []DeviceRow) {
			v.queue(func() { v.setDeviceRows(rows) })
		}),
		v.model.ListenToMetrics(func(data MetricData) {
			v.queue(func() { v.renderDashboard(data, v.model.TrainerControl()) })
		}),
		v.model.ListenToTrainerControl(func(ctl TrainerControl) {
			v.queue(func() { v.renderDashboard(v.model.Metrics(), ctl) })
		}),
		v.model.ListenToScanning(func(scanning bool) {
			title := " Devices "
			if scanning {
				title = " Devices (scanning) "
			}
			v.queue(func() { v.deviceList.SetTitle(title) })
		}),
		v.model.ListenToCloseApplication(v.Stop),
	)

	logCh := make(chan string, 1)
	v.unsubs = append(v.unsubs, v.model.ListenToLogChan(logCh))
	v.wg.Add(1)
	go_func_utils.SafeGo(v.logger, func() { v.monitorLog(logCh) })
}

// monitorLog redraws the log tail when lines arrive or the pane resizes.
func (v *View) monitorLog(logCh <-chan string) {
	defer v.wg.Done()
	var lastHeight int
	dirty := true
	ticker := time.NewTicker(logRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-v.ctx.Done():
			return
		case <-logCh:
			dirty = true
		case <-ticker.C:
			_, _, _, height := v.logView.GetInnerRect()
			if height <= 0 || (height == lastHeight && !dirty) {
				continue
			}
			lastHeight = height
			dirty = false
			lines := v.model.GetLogTail(height)
			v.queue(func() { v.logView.SetText(strings.Join(lines, "\n")) })
		}
	}
}

// setDeviceRows replaces the list, keeping the selection on the same device.
func (v *View) setDeviceRows(rows []DeviceRow) {
	selectedID := ""
	if row, ok := v.rowAt(v.deviceList.GetCurrentItem()); ok {
		selectedID = row.ID
	}

	v.rowsMu.Lock()
	v.rows = rows
	v.rowsMu.Unlock()

	v.deviceList.Clear()
	selectedIdx := -1
	for i, row := range rows {
		if row.ID == selectedID {
			selectedIdx = i
		}
		v.deviceList.AddItem(row.String(), "", 0, nil)
	}
	if selectedIdx >= 0 {
		v.deviceList.SetCurrentItem(selectedIdx)
	}
}

func (v *View) renderDashboard(data MetricData, ctl TrainerControl) {
	var b strings.Builder
	for _, id := range DisplayedMetrics {
		value, ok := data[id]
		fmt.Fprintf(&b, " %s\n", FormatMetric(id, value, ok))
	}
	if ctl.Available {
		fmt.Fprintf(&b, " [green]ERG target %d W[white]", ctl.TargetWatts)
	} else {
		fmt.Fprintf(&b, " [gray]ERG unavailable (target %d W)[white]", ctl.TargetWatts)
	}
	v.dashboard.SetText(b.String())
}

// Run starts the UI and blocks until it exits
func (v *View) Run() error {
	v.running.Store(true)
	v.setupEventListeners()
	// SetRoot must be called before setting focus, otherwise focus may be reset
	v.app.SetRoot(v.mainFlex, true)
	v.app.SetFocus(v.deviceList)
	err := v.app.Run()
	v.running.Store(false)
	return err
}

// Stop stops the UI framework
func (v *View) Stop() {
	v.running.Store(false)
	v.app.Stop()
}

// Shutdown stops all goroutines and waits for them to finish
func (v *View) Shutdown() {
	v.Stop()
	for _, unsub := range v.unsubs {
		unsub()
	}
	v.cancel()
	v.wg.Wait()
}
