package identity

import "testing"

func TestProductIDDeterministic(t *testing.T) {
	a := ProductIdentity{Category: "mouse", Brand: "Razer", Model: "Viper V3 Pro"}
	b := ProductIdentity{Category: "Mouse", Brand: "razer", Model: "  viper v3   pro "}

	if a.ProductID() != b.ProductID() {
		t.Fatalf("expected equivalent identities to hash the same: %s != %s", a.ProductID(), b.ProductID())
	}
}

func TestProductIDDiffersByVariant(t *testing.T) {
	a := ProductIdentity{Category: "mouse", Brand: "Razer", Model: "Viper V3 Pro"}
	b := ProductIdentity{Category: "mouse", Brand: "Razer", Model: "Viper V3 Pro", Variant: "White Edition"}

	if a.ProductID() == b.ProductID() {
		t.Fatal("expected variant to change product_id")
	}
}

func TestValidateRequiresFields(t *testing.T) {
	p := ProductIdentity{Category: "mouse"}
	if err := p.Validate(); err == nil {
		t.Fatal("expected validation error for missing brand/model")
	}
}

func TestConflictsWith(t *testing.T) {
	pro := ProductIdentity{Category: "mouse", Brand: "Razer", Model: "Viper V3 Pro"}
	hyperspeed := ProductIdentity{Category: "mouse", Brand: "Razer", Model: "Viper V3 Hyperspeed"}
	unrelated := ProductIdentity{Category: "mouse", Brand: "Logitech", Model: "G Pro X Superlight 2"}

	if !pro.ConflictsWith(hyperspeed) {
		t.Error("expected Viper V3 Pro and Viper V3 Hyperspeed to conflict")
	}
	if pro.ConflictsWith(unrelated) {
		t.Error("did not expect unrelated brand to conflict")
	}
	if pro.ConflictsWith(pro) {
		t.Error("identical identity should not conflict with itself")
	}
}
