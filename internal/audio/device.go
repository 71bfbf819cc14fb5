package audio

// Device represents an audio device
type Device struct {
	ID                int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// IsInput reports whether the device can capture.
func (d Device) IsInput() bool {
	return d.MaxInputChannels > 0
}

// Kind describes the device direction for listings.
func (d Device) Kind() string {
	switch {
	case d.MaxInputChannels > 0 && d.MaxOutputChannels > 0:
		return "Input/Output"
	case d.MaxInputChannels > 0:
		return "Input"
	case d.MaxOutputChannels > 0:
		return "Output"
	default:
		return "Unknown"
	}
}

// HostDevices returns all devices PortAudio reports. PortAudio must be
// initialised.
func HostDevices() ([]Device, error) {
	paDeviceInfos, err := paDevicesFunc()
	if err != nil {
		return nil, err
	}

	devices := make([]Device, len(paDeviceInfos))
	for i, info := range paDeviceInfos {
		devices[i] = Device{
			ID:                i,
			Name:              info.Name,
			MaxInputChannels:  info.MaxInputChannels,
			MaxOutputChannels: info.MaxOutputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
		}
	}
	return devices, nil
}

// GetDevices initialises PortAudio for the duration of the call and returns
// all available audio devices.
func GetDevices() ([]Device, error) {
	if err := Initialize(); err != nil {
		return nil, err
	}
	defer Terminate()

	return HostDevices()
}

// InputDevices returns only the devices that can capture.
func InputDevices() ([]Device, error) {
	all, err := GetDevices()
	if err != nil {
		return nil, err
	}
	inputs := all[:0]
	for _, d := range all {
		if d.IsInput() {
			inputs = append(inputs, d)
		}
	}
	return inputs, nil
}
