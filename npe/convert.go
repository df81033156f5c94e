package npe

import "math"

// Unit conversions shared by both packet kinds. Factors are the ones the
// vendor app uses, values are rounded where the app rounds them.

func cToF(c float64) float64 { return round1(c*9/5 + 32) }

func kcalToBtu(kcal uint16) int { return int(math.Round(float64(kcal) * 3.965667)) }

func litersToGallons(l float64) float64 { return round1(l * 0.264172) }

func m3ToCcf(m3 float64) float64 { return round1(m3 * 0.353147) }

func round1(x float64) float64 { return math.Round(x*10) / 10 }
