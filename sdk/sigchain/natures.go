package sigchain

import "strconv"

// Nature identifies the type of payload a Block carries.
type Nature uint64

const (
	NatureTrustchainCreation          Nature = 1
	NatureDeviceCreationV1            Nature = 2
	NatureKeyPublishToDevice          Nature = 3
	NatureDeviceRevocationV1          Nature = 4
	NatureDeviceCreationV2            Nature = 6
	NatureDeviceCreationV3            Nature = 7
	NatureKeyPublishToUser            Nature = 8
	NatureDeviceRevocationV2          Nature = 9
	NatureUserGroupCreationV1         Nature = 10
	NatureKeyPublishToUserGroup       Nature = 11
	NatureUserGroupAdditionV1         Nature = 12
	NatureKeyPublishToProvisionalUser Nature = 13
)

var natureNames = map[Nature]string{
	NatureTrustchainCreation:          "trustchain_creation",
	NatureDeviceCreationV1:            "device_creation_v1",
	NatureKeyPublishToDevice:          "key_publish_to_device",
	NatureDeviceRevocationV1:          "device_revocation_v1",
	NatureDeviceCreationV2:            "device_creation_v2",
	NatureDeviceCreationV3:            "device_creation_v3",
	NatureKeyPublishToUser:            "key_publish_to_user",
	NatureDeviceRevocationV2:          "device_revocation_v2",
	NatureUserGroupCreationV1:         "user_group_creation_v1",
	NatureKeyPublishToUserGroup:       "key_publish_to_user_group",
	NatureUserGroupAdditionV1:         "user_group_addition_v1",
	NatureKeyPublishToProvisionalUser: "key_publish_to_provisional_user",
}

func (nature Nature) String() string {
	name, ok := natureNames[nature]
	if !ok {
		return "unknown_nature_" + strconv.FormatUint(uint64(nature), 10)
	}
	return name
}

func (nature Nature) IsDeviceCreation() bool {
	return nature == NatureDeviceCreationV1 || nature == NatureDeviceCreationV2 || nature == NatureDeviceCreationV3
}

func (nature Nature) IsDeviceRevocation() bool {
	return nature == NatureDeviceRevocationV1 || nature == NatureDeviceRevocationV2
}

func (nature Nature) IsUserGroup() bool {
	return nature == NatureUserGroupCreationV1 || nature == NatureUserGroupAdditionV1
}

// IsKeyPublish is true for the key publish natures this package can decode.
// Key publishes to a single device predate user keys and are not supported.
func (nature Nature) IsKeyPublish() bool {
	return nature == NatureKeyPublishToUser || nature == NatureKeyPublishToUserGroup || nature == NatureKeyPublishToProvisionalUser
}
