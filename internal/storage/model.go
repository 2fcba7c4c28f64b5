package storage

import "github.com/glkvm-cloud/device-console/internal/domain"

// DeviceMeta is the persisted record of a managed device.
type DeviceMeta struct {
	// DeviceID is the globally unique and immutable ID of the device.
	DeviceID string `gorm:"primaryKey;column:device_id" json:"deviceId"`
	// Mac is unique among registered devices; empty MACs are not indexed.
	Mac         string `gorm:"column:mac;index:idx_devices_mac,unique,where:mac <> ''" json:"mac"`
	IP          string `gorm:"column:ip" json:"ip"`
	Description string `gorm:"column:description" json:"description"`
	CreateTime  int64  `gorm:"column:create_time" json:"createTime"`
	UpdateTime  int64  `gorm:"column:update_time" json:"updateTime"`
}

// TableName binds DeviceMeta to the devices table.
func (DeviceMeta) TableName() string {
	return "devices"
}

// Info converts the record to its wire representation.
func (m DeviceMeta) Info() domain.DeviceInfo {
	return domain.DeviceInfo{
		ID:          m.DeviceID,
		Mac:         m.Mac,
		IPAddr:      m.IP,
		Description: m.Description,
		CreateTime:  m.CreateTime,
		UpdateTime:  m.UpdateTime,
	}
}
