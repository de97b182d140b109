package bt

import (
	"context"
	"fmt"
	"log"
	"sync"

	"tinygo.org/x/bluetooth"
)

// tinygoPeripheral is one connected device. All GATT operations on it are
// serialised through bleMu.
type tinygoPeripheral struct {
	logger *log.Logger
	device *bluetooth.Device

	mu       sync.Mutex
	bleMu    sync.Mutex // Serializes BLE characteristic operations (notifications, writes)
	services []Service  // nil until discovered; discovering twice interrupts earlier subscriptions
}

func newTinygoPeripheral(logger *log.Logger, device *bluetooth.Device) *tinygoPeripheral {
	return &tinygoPeripheral{logger: logger, device: device}
}

func (p *tinygoPeripheral) discoverServices(ctx context.Context) ([]Service, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.services != nil {
		return p.services, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.bleMu.Lock()
	defer p.bleMu.Unlock()

	// Discover ALL services at once (nil = all)
	p.logger.Printf("TinygoPeripheral: Discovering all services for %s", p.device.Address.String())
	deviceServices, err := p.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("error discovering services: %w", err)
	}

	services := make([]Service, 0, len(deviceServices))
	for i := range deviceServices {
		deviceService := deviceServices[i]
		deviceChars, err := deviceService.DiscoverCharacteristics(nil)
		if err != nil {
			// A service we cannot enumerate is reported empty; transports
			// that need it will fail verification on their own.
			p.logger.Printf("TinygoPeripheral: Error discovering characteristics of %s: %v", deviceService.UUID().String(), err)
		}
		svc := &tinygoService{uuid: NormalizeUUID(deviceService.UUID().String())}
		for j := range deviceChars {
			svc.characteristics = append(svc.characteristics, &tinygoCharacteristic{
				peripheral: p,
				uuid:       NormalizeUUID(deviceChars[j].UUID().String()),
				char:       deviceChars[j],
			})
		}
		services = append(services, svc)
	}
	p.logger.Printf("TinygoPeripheral: Discovered %d services", len(services))
	p.services = services
	return services, nil
}

func (p *tinygoPeripheral) mtu(ctx context.Context) (int, error) {
	services, err := p.discoverServices(ctx)
	if err != nil {
		return 0, err
	}
	for _, svc := range services {
		for _, c := range svc.Characteristics() {
			tc, ok := c.(*tinygoCharacteristic)
			if !ok {
				continue
			}
			p.bleMu.Lock()
			mtu, err := tc.char.GetMTU()
			p.bleMu.Unlock()
			if err != nil {
				return 0, fmt.Errorf("read MTU: %w", err)
			}
			return int(mtu), nil
		}
	}
	return 0, fmt.Errorf("read MTU: no characteristics discovered")
}

type tinygoService struct {
	uuid            string
	characteristics []Characteristic
}

func (s *tinygoService) UUID() string                     { return s.uuid }
func (s *tinygoService) Characteristics() []Characteristic { return s.characteristics }

type tinygoCharacteristic struct {
	peripheral *tinygoPeripheral
	uuid       string
	char       bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) UUID() string { return c.uuid }

func (c *tinygoCharacteristic) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.peripheral.bleMu.Lock()
	defer c.peripheral.bleMu.Unlock()

	buf := make([]byte, 512)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", c.uuid, err)
	}
	return buf[:n], nil
}

func (c *tinygoCharacteristic) Write(ctx context.Context, data []byte) error {
	return c.write(ctx, data, true)
}

func (c *tinygoCharacteristic) WriteWithoutResponse(ctx context.Context, data []byte) error {
	return c.write(ctx, data, false)
}

func (c *tinygoCharacteristic) write(ctx context.Context, data []byte, waitForResponse bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.peripheral.bleMu.Lock()
	defer c.peripheral.bleMu.Unlock()

	var err error
	if waitForResponse {
		_, err = c.char.Write(data)
	} else {
		_, err = c.char.WriteWithoutResponse(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", c.uuid, err)
	}
	return nil
}

func (c *tinygoCharacteristic) EnableNotifications(ctx context.Context, callback func(buf []byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.peripheral.bleMu.Lock()
	defer c.peripheral.bleMu.Unlock()

	if err := c.char.EnableNotifications(callback); err != nil {
		c.peripheral.logger.Printf("TinygoPeripheral: EnableNotifications failed for %s: %v", c.uuid, err)
		return fmt.Errorf("failed to enable notifications: %w", err)
	}
	c.peripheral.logger.Printf("TinygoPeripheral: Notifications enabled for %s", c.uuid)
	return nil
}

func (c *tinygoCharacteristic) DisableNotifications(ctx context.Context) error {
	c.peripheral.bleMu.Lock()
	defer c.peripheral.bleMu.Unlock()

	// Pass nil callback to disable notifications
	if err := c.char.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications: %w", err)
	}
	return nil
}
