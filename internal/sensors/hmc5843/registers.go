package hmc5843

// Register map shared by the HMC5843 and HMC5883L.
const (
	DefaultAddress = 0x1E

	RegConfigA = 0x00
	RegConfigB = 0x01
	RegMode    = 0x02
	RegData    = 0x03 // 6 bytes, big endian axis pairs
	DataLen    = 6
)

// Config register A: measurement bias (bits 1..0), output rate (bits 4..2)
// and, on the HMC5883L only, sample averaging (bits 6..5).
const (
	PositiveBiasConfig = 0x11
	NegativeBiasConfig = 0x12
	NormalOperation    = 0x10

	SampleAveraging1 = 0x00
	SampleAveraging2 = 0x01
	SampleAveraging4 = 0x02
	SampleAveraging8 = 0x03

	DataOutputRate0_75Hz = 0x00
	DataOutputRate1_5Hz  = 0x01
	DataOutputRate3Hz    = 0x02
	DataOutputRate7_5Hz  = 0x03
	DataOutputRate15Hz   = 0x04
	DataOutputRate30Hz   = 0x05
	DataOutputRate75Hz   = 0x06
)

// Config register B gain and mode register values.
const (
	MagGain         = 0x20
	MagGain5883Cal  = 0x60
	ContinuousMode  = 0x00
	SingleMode      = 0x01
)

// ProbeConfig is written to config register A during variant detection. An
// HMC5883L echoes it back; an HMC5843 drops the averaging bits and reads back
// HMC5843Readback.
const (
	ProbeConfig     = SampleAveraging8<<5 | DataOutputRate75Hz<<2 | NormalOperation
	HMC5843Readback = NormalOperation | DataOutputRate75Hz<<2
)

// Sentinel reported on an axis when the chip has no valid data (ADC
// overflow or a read during conversion).
const noData = -4096

const (
	accumPeriodUs   = 13333 // 75 Hz output period
	accumCeiling    = 14
	retryBackoffMs  = 1000
	calMaxAttempts  = 20
	calGoodTrials   = 5
	calLowerBound   = 0.7
	calUpperBound   = 1.3
	probeSettleMs   = 10
	biasSettleMs    = 50
	conversionMs    = 50
	postReadDelayMs = 10
)
