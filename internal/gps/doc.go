// Package gps reconstructs navigation observations from a raw GNSS receiver
// byte stream.
//
// Two framings are supported, chosen once per Session: NMEA-0183 sentences
// (GGA, RMC, GLL, GSA) and Novatel OEM6 binary logs (BESTPOS, BESTVEL, TIME,
// PSRDOP). Bytes may arrive in arbitrary chunks; corrupted frames are
// dropped and parsing resynchronizes on the next frame start.
package gps
