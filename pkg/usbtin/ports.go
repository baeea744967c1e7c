// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package usbtin

import (
	"strings"

	"go.bug.st/serial/enumerator"
)

// Port describes a serial port found on the host
type Port struct {
	Name         string
	USB          bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
	IsUSBtin     bool
}

// ListPorts enumerates serial ports and marks the ones with the USBtin
// vendor/product id.
func ListPorts() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	ports := make([]Port, 0, len(details))
	for _, d := range details {
		ports = append(ports, Port{
			Name:         d.Name,
			USB:          d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
			IsUSBtin:     d.IsUSB && matchesID(d.VID, d.PID),
		})
	}
	return ports, nil
}

// FindPort returns the name of the first attached USBtin, or "" if none
func FindPort() (string, error) {
	ports, err := ListPorts()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.IsUSBtin {
			return p.Name, nil
		}
	}
	return "", nil
}

func matchesID(vid, pid string) bool {
	return strings.EqualFold(vid, VendorID) && strings.EqualFold(pid, ProductID)
}
