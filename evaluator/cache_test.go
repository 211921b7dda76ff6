package evaluator

import "testing"

func TestFingerprintEnvIsOrderIndependent(t *testing.T) {
	a := fingerprintEnv(map[string]interface{}{"x": 1.0, "y": "on", "z": nil})
	b := fingerprintEnv(map[string]interface{}{"z": nil, "y": "on", "x": 1.0})
	if a != b {
		t.Fatalf("fingerprints differ: %q vs %q", a, b)
	}
	c := fingerprintEnv(map[string]interface{}{"x": 2.0, "y": "on", "z": nil})
	if a == c {
		t.Fatal("fingerprint ignored a changed value")
	}
}

func TestResultCacheInvalidateFormula(t *testing.T) {
	cache := newResultCache()
	cache.store("total", "fp1", []string{"sensor.a"}, cachedResult{value: 1.0, state: StateOK})
	cache.store("total", "fp2", []string{"sensor.b"}, cachedResult{value: 2.0, state: StateOK})
	cache.store("other", "fp1", []string{"sensor.a"}, cachedResult{value: 3.0, state: StateOK})

	cache.invalidateFormula("total")
	if _, ok := cache.get("total", "fp1"); ok {
		t.Fatal("entry for invalidated formula survived")
	}
	if _, ok := cache.get("total", "fp2"); ok {
		t.Fatal("second entry for invalidated formula survived")
	}
	if _, ok := cache.get("other", "fp1"); !ok {
		t.Fatal("unrelated formula entry was dropped")
	}
}

func TestResultCacheInvalidateEntities(t *testing.T) {
	cache := newResultCache()
	cache.store("total", "fp1", []string{"sensor.a", "sensor.b"}, cachedResult{value: 1.0, state: StateOK})
	cache.store("other", "fp1", []string{"sensor.c"}, cachedResult{value: 2.0, state: StateOK})

	cache.invalidateEntities("sensor.b")
	if _, ok := cache.get("total", "fp1"); ok {
		t.Fatal("entry depending on invalidated entity survived")
	}
	if _, ok := cache.get("other", "fp1"); !ok {
		t.Fatal("independent entry was dropped")
	}
}
