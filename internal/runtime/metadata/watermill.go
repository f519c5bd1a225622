package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill copies Watermill message headers.
func FromWatermill(md message.Metadata) Metadata {
	return Metadata(md).Clone()
}

// ToWatermill copies metadata into a Watermill header map.
func ToWatermill(md Metadata) message.Metadata {
	return message.Metadata(md.Clone())
}
