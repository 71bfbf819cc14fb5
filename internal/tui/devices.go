package tui

import (
	"fmt"
	"strings"

	"spectrogram/internal/audio"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5"))

	highlightStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#25A065")).
			Bold(true)
)

// SampleRates offered on the configuration screen.
var SampleRates = []float64{8000, 16000, 22050, 44100, 48000}

var (
	keyQuit   = key.NewBinding(key.WithKeys("q", "ctrl+c"))
	keyUp     = key.NewBinding(key.WithKeys("up", "k"))
	keyDown   = key.NewBinding(key.WithKeys("down", "j"))
	keyEnter  = key.NewBinding(key.WithKeys("enter"))
	keyEscape = key.NewBinding(key.WithKeys("esc"))
)

// ScreenType defines which screen is currently active
type ScreenType int

const (
	ListScreen ScreenType = iota
	ConfigScreen
)

// Selection is the capture device and rate picked by the user.
type Selection struct {
	DeviceID   int
	DeviceName string
	SampleRate float64
}

// DeviceListModel is the Bubble Tea model for choosing an input device
// and a capture rate.
type DeviceListModel struct {
	loadDevices   func() ([]audio.Device, error)
	devices       []audio.Device
	selectedIndex int
	viewport      viewport.Model
	ready         bool
	err           error
	activeScreen  ScreenType

	sampleRateIndex int
	selection       *Selection
}

type devicesMsg struct {
	devices []audio.Device
}

type errMsg struct {
	err error
}

// Init requests the device list.
func (m DeviceListModel) Init() tea.Cmd {
	load := m.loadDevices
	return func() tea.Msg {
		devices, err := load()
		if err != nil {
			return errMsg{err}
		}
		return devicesMsg{devices}
	}
}

func (m DeviceListModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-4)
			m.viewport.Style = lipgloss.NewStyle()
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 4
		}
		m.refresh()

	case devicesMsg:
		m.devices = msg.devices
		m.refresh()

	case errMsg:
		m.err = msg.err

	case tea.KeyMsg:
		if key.Matches(msg, keyQuit) || m.err != nil {
			return m, tea.Quit
		}

		switch m.activeScreen {
		case ListScreen:
			switch {
			case key.Matches(msg, keyUp):
				if m.selectedIndex > 0 {
					m.selectedIndex--
				}
			case key.Matches(msg, keyDown):
				if m.selectedIndex < len(m.devices)-1 {
					m.selectedIndex++
				}
			case key.Matches(msg, keyEnter):
				if len(m.devices) > 0 {
					m.activeScreen = ConfigScreen
					m.sampleRateIndex = defaultRateIndex(m.devices[m.selectedIndex].DefaultSampleRate)
				}
			}

		case ConfigScreen:
			switch {
			case key.Matches(msg, keyEscape):
				m.activeScreen = ListScreen
			case key.Matches(msg, keyUp):
				if m.sampleRateIndex > 0 {
					m.sampleRateIndex--
				}
			case key.Matches(msg, keyDown):
				if m.sampleRateIndex < len(SampleRates)-1 {
					m.sampleRateIndex++
				}
			case key.Matches(msg, keyEnter):
				device := m.devices[m.selectedIndex]
				m.selection = &Selection{
					DeviceID:   device.ID,
					DeviceName: device.Name,
					SampleRate: SampleRates[m.sampleRateIndex],
				}
				return m, tea.Quit
			}
		}
		m.refresh()
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// defaultRateIndex prefers 16 kHz, then the device default, then the first rate.
func defaultRateIndex(deviceDefault float64) int {
	fallback := 0
	for i, rate := range SampleRates {
		if rate == 16000 {
			return i
		}
		if rate == deviceDefault {
			fallback = i
		}
	}
	return fallback
}

func (m *DeviceListModel) refresh() {
	if !m.ready {
		return
	}
	if m.activeScreen == ConfigScreen {
		m.viewport.SetContent(m.renderDeviceConfig())
		return
	}
	m.viewport.SetContent(m.renderDevices())
}

// View renders the UI
func (m DeviceListModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("Error: %v\n\nPress any key to exit.", m.err)
	}
	if !m.ready {
		return "Initializing..."
	}

	var title, help string
	if m.activeScreen == ListScreen {
		title = titleStyle.Render("Input Devices")
		help = infoStyle.Render("↑/↓: Navigate • Enter: Configure • q: Quit")
	} else {
		title = titleStyle.Render("Capture Settings")
		help = infoStyle.Render("↑/↓: Sample rate • Enter: Start • Esc: Back • q: Quit")
	}

	return fmt.Sprintf("%s\n\n%s\n\n%s", title, m.viewport.View(), help)
}

func (m DeviceListModel) renderDevices() string {
	if len(m.devices) == 0 {
		return "No input devices found."
	}

	var sb strings.Builder
	for i, device := range m.devices {
		info := fmt.Sprintf("[%d] %s (%s)\n", device.ID, device.Name, device.Kind())
		info += fmt.Sprintf("    Input channels: %d\n", device.MaxInputChannels)
		info += fmt.Sprintf("    Default sample rate: %.0f Hz\n", device.DefaultSampleRate)

		if i == m.selectedIndex {
			info = highlightStyle.Render(info)
		}
		sb.WriteString(info)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m DeviceListModel) renderDeviceConfig() string {
	var sb strings.Builder
	device := m.devices[m.selectedIndex]

	fmt.Fprintf(&sb, "Capture from: %s\n\n", device.Name)
	sb.WriteString("Sample Rate:\n")

	for i, rate := range SampleRates {
		marker := " "
		if i == m.sampleRateIndex {
			marker = "▶"
		}
		line := fmt.Sprintf("  %s %.0f Hz (top of column %.0f Hz)\n", marker, rate, rate/2)
		if i == m.sampleRateIndex {
			line = highlightStyle.Render(line)
		}
		sb.WriteString(line)
	}
	return sb.String()
}

// Selection returns the confirmed choice, if any.
func (m DeviceListModel) Selection() (Selection, bool) {
	if m.selection == nil {
		return Selection{}, false
	}
	return *m.selection, true
}

// NewDeviceListModel creates a picker over the devices returned by load.
func NewDeviceListModel(load func() ([]audio.Device, error)) DeviceListModel {
	return DeviceListModel{
		loadDevices:  load,
		activeScreen: ListScreen,
	}
}

// PickInputDevice runs the picker full screen and returns the user's choice.
// ok is false when the user quit without choosing.
func PickInputDevice() (sel Selection, ok bool, err error) {
	p := tea.NewProgram(
		NewDeviceListModel(audio.InputDevices),
		tea.WithAltScreen(),
	)
	final, err := p.Run()
	if err != nil {
		return Selection{}, false, err
	}
	m, _ := final.(DeviceListModel)
	sel, ok = m.Selection()
	return sel, ok, nil
}
