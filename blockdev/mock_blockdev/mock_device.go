// This file was auto-generated using createmock. See the following page for
// more information:
//
//     https://github.com/jacobsa/oglemock
//

package mock_blockdev

import (
	fmt "fmt"
	oglemock "github.com/jacobsa/oglemock"
	blockdev "github.com/jacobsa/oscore/blockdev"
	context "golang.org/x/net/context"
	runtime "runtime"
	unsafe "unsafe"
)

type MockDevice interface {
	blockdev.Device
	oglemock.MockObject
}

type mockDevice struct {
	controller  oglemock.Controller
	description string
}

func NewMockDevice(
	c oglemock.Controller,
	desc string) MockDevice {
	return &mockDevice{
		controller:  c,
		description: desc,
	}
}

func (m *mockDevice) Oglemock_Id() uintptr {
	return uintptr(unsafe.Pointer(m))
}

func (m *mockDevice) Oglemock_Description() string {
	return m.description
}

func (m *mockDevice) Flush(p0 context.Context) (o0 error) {
	// Get a file name and line number for the caller.
	_, file, line, _ := runtime.Caller(1)

	// Hand the call off to the controller, which does most of the work.
	retVals := m.controller.HandleMethodCall(
		m,
		"Flush",
		file,
		line,
		[]interface{}{p0})

	if len(retVals) != 1 {
		panic(fmt.Sprintf("mockDevice.Flush: invalid return values: %v", retVals))
	}

	// o0 error
	if retVals[0] != nil {
		o0 = retVals[0].(error)
	}

	return
}

func (m *mockDevice) ReadSector(p0 context.Context, p1 blockdev.SectorNum, p2 []uint8) (o0 error) {
	// Get a file name and line number for the caller.
	_, file, line, _ := runtime.Caller(1)

	// Hand the call off to the controller, which does most of the work.
	retVals := m.controller.HandleMethodCall(
		m,
		"ReadSector",
		file,
		line,
		[]interface{}{p0, p1, p2})

	if len(retVals) != 1 {
		panic(fmt.Sprintf("mockDevice.ReadSector: invalid return values: %v", retVals))
	}

	// o0 error
	if retVals[0] != nil {
		o0 = retVals[0].(error)
	}

	return
}

func (m *mockDevice) SectorCount() (o0 blockdev.SectorNum) {
	// Get a file name and line number for the caller.
	_, file, line, _ := runtime.Caller(1)

	// Hand the call off to the controller, which does most of the work.
	retVals := m.controller.HandleMethodCall(
		m,
		"SectorCount",
		file,
		line,
		[]interface{}{})

	if len(retVals) != 1 {
		panic(fmt.Sprintf("mockDevice.SectorCount: invalid return values: %v", retVals))
	}

	// o0 blockdev.SectorNum
	if retVals[0] != nil {
		o0 = retVals[0].(blockdev.SectorNum)
	}

	return
}

func (m *mockDevice) WriteSector(p0 context.Context, p1 blockdev.SectorNum, p2 []uint8) (o0 error) {
	// Get a file name and line number for the caller.
	_, file, line, _ := runtime.Caller(1)

	// Hand the call off to the controller, which does most of the work.
	retVals := m.controller.HandleMethodCall(
		m,
		"WriteSector",
		file,
		line,
		[]interface{}{p0, p1, p2})

	if len(retVals) != 1 {
		panic(fmt.Sprintf("mockDevice.WriteSector: invalid return values: %v", retVals))
	}

	// o0 error
	if retVals[0] != nil {
		o0 = retVals[0].(error)
	}

	return
}
