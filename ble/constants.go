package ble

// GATT identifiers shared with every peer running this protocol
const (
	ServiceUUID                      = "FFFFFFFF-EEEE-DDDD-0000-000000000000"
	AndroidSignalCharacteristicUUID  = "FFFFFFFF-EEEE-DDDD-0000-000000000001"
	IOSSignalCharacteristicUUID      = "FFFFFFFF-EEEE-DDDD-0000-000000000002"
	PayloadCharacteristicUUID        = "FFFFFFFF-EEEE-DDDD-0000-000000000003"
	PayloadSharingCharacteristicUUID = "FFFFFFFF-EEEE-DDDD-0000-000000000004"
)

// ManufacturerIDForApple identifies iOS adverts in background mode, where
// the service UUID moves into Apple's overflow area
const ManufacturerIDForApple = 76
