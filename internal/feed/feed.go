// Package feed renders the live fleet as a GTFS-Realtime vehicle positions
// feed.
package feed

import (
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"livetrack/internal/live"
)

const gtfsRealtimeVersion = "2.0"

// Build returns a full-dataset feed with one VehiclePosition per active
// record. Inactive records are left out.
func Build(recs []live.Record, now time.Time) *gtfsrtpb.FeedMessage {
	fm := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String(gtfsRealtimeVersion),
			Incrementality:      gtfsrtpb.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}
	for _, rec := range recs {
		if !rec.IsActive {
			continue
		}
		fm.Entity = append(fm.Entity, entity(rec))
	}
	return fm
}

func entity(rec live.Record) *gtfsrtpb.FeedEntity {
	smp := rec.Latest
	vp := &gtfsrtpb.VehiclePosition{
		Trip: &gtfsrtpb.TripDescriptor{RouteId: proto.String(rec.RouteID)},
		Position: &gtfsrtpb.Position{
			Latitude:  proto.Float32(float32(smp.Latitude)),
			Longitude: proto.Float32(float32(smp.Longitude)),
			Bearing:   proto.Float32(float32(smp.HeadingDeg)),
			Speed:     proto.Float32(float32(smp.SpeedKmh / 3.6)),
		},
		Timestamp: proto.Uint64(uint64(smp.TimestampMs / 1000)),
	}
	if rec.VehicleID != "" {
		vp.Vehicle = &gtfsrtpb.VehicleDescriptor{Id: proto.String(rec.VehicleID)}
	}
	return &gtfsrtpb.FeedEntity{
		Id:      proto.String(rec.RouteID),
		Vehicle: vp,
	}
}

// Marshal encodes the feed in protobuf wire format.
func Marshal(recs []live.Record, now time.Time) ([]byte, error) {
	return proto.Marshal(Build(recs, now))
}

// MarshalJSON encodes the feed with the protobuf JSON mapping, for debugging.
func MarshalJSON(recs []live.Record, now time.Time) ([]byte, error) {
	return protojson.MarshalOptions{Multiline: true}.Marshal(Build(recs, now))
}
