package sensors

import "testing"

func TestSimulated_Ranges(t *testing.T) {
	r := NewSimulated(42, true)

	for i := 0; i < 1000; i++ {
		reading := r.Read()
		if reading.Temperature < 20.0 || reading.Temperature >= 40.0 {
			t.Fatalf("temperature %v out of range [20.0, 40.0)", reading.Temperature)
		}
		if reading.Humidity < 40.0 || reading.Humidity >= 80.0 {
			t.Fatalf("humidity %v out of range [40.0, 80.0)", reading.Humidity)
		}
		if reading.Pressure == nil {
			t.Fatal("pressure should be set when enabled")
		}
		if *reading.Pressure < 950.0 || *reading.Pressure >= 1050.0 {
			t.Fatalf("pressure %v out of range [950.0, 1050.0)", *reading.Pressure)
		}
	}
}

func TestSimulated_PressureDisabled(t *testing.T) {
	r := NewSimulated(42, false)
	if got := r.Read(); got.Pressure != nil {
		t.Errorf("Pressure = %v, want nil", *got.Pressure)
	}
}

func TestSimulated_SeedReproducible(t *testing.T) {
	a := NewSimulated(7, true)
	b := NewSimulated(7, true)

	for i := 0; i < 10; i++ {
		ra, rb := a.Read(), b.Read()
		if ra.Temperature != rb.Temperature || ra.Humidity != rb.Humidity {
			t.Fatalf("readings diverged at %d: %+v vs %+v", i, ra, rb)
		}
	}
}
