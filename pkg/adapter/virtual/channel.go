package virtual

import (
	"github.com/iotile/coretools/pkg/model"
)

// DeviceChannel is handed to RPC handlers so they can emit streaming
// reports and trace bytes into the same pipeline a real transport feeds,
// per spec §4.8.
type DeviceChannel struct {
	handle     model.ConnectionHandle
	onReport   func(model.ConnectionHandle, model.Report)
	onTrace    func(model.ConnectionHandle, []byte)
	nextReadID func() uint32
}

func newDeviceChannel(handle model.ConnectionHandle, onReport func(model.ConnectionHandle, model.Report), onTrace func(model.ConnectionHandle, []byte), nextReadID func() uint32) *DeviceChannel {
	return &DeviceChannel{handle: handle, onReport: onReport, onTrace: onTrace, nextReadID: nextReadID}
}

// EmitReading pushes one reading out as an Individual report.
func (c *DeviceChannel) EmitReading(streamID uint16, timestamp, value uint32) {
	if c.onReport == nil {
		return
	}
	readingID := uint32(0)
	if c.nextReadID != nil {
		readingID = c.nextReadID()
	}
	c.onReport(c.handle, model.IndividualReport{
		Reading: model.Reading{StreamID: streamID, ReadingID: readingID, Timestamp: timestamp, Value: value},
	})
}

// EmitReport pushes an already-assembled report (e.g. a SignedList a
// virtual device has composed and signed itself).
func (c *DeviceChannel) EmitReport(r model.Report) {
	if c.onReport != nil {
		c.onReport(c.handle, r)
	}
}

// EmitTrace pushes raw, unframed trace bytes.
func (c *DeviceChannel) EmitTrace(data []byte) {
	if c.onTrace != nil {
		c.onTrace(c.handle, data)
	}
}
