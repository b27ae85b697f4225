package domain

import "github.com/google/uuid"

type UserID = uuid.UUID
type DeviceID = uuid.UUID
type ServerID = uuid.UUID
type ChannelID = uuid.UUID
type EnvelopeID = uuid.UUID
type DistributionID = uuid.UUID
