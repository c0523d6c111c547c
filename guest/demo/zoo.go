package demo

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/capguest/capshim/domain/entities"
)

// objectSize is the allocation made for every animal.
const objectSize = 8

// kind is the tag stored in the first byte of an animal object.
type kind byte

const (
	kindDog kind = 1
	kindCat kind = 2
)

// Animal can speak.
type Animal interface {
	Speak(ctx context.Context, g *Guest)
}

// Dog says woof.
type Dog struct{}

// Speak prints "woof!".
func (Dog) Speak(ctx context.Context, g *Guest) { g.println(ctx, "woof!") }

// Cat says meow.
type Cat struct{}

// Speak prints "meow!".
func (Cat) Speak(ctx context.Context, g *Guest) { g.println(ctx, "meow!") }

func animalOf(k kind) (Animal, bool) {
	switch k {
	case kindDog:
		return Dog{}, true
	case kindCat:
		return Cat{}, true
	default:
		return nil, false
	}
}

// MakeObject allocates an animal, a dog or a cat with equal probability. The
// choice comes from a generator seeded with 32 bytes of the host stream, so
// it is deterministic for a given stream position.
func (g *Guest) MakeObject(ctx context.Context) (entities.Capability, error) {
	var obj entities.Capability
	err := g.runner.Run(ctx, "animal_make", func(ctx context.Context) error {
		var seed [32]byte
		for i := range seed {
			seed[i] = g.host.NextByte(ctx)
		}
		rng := rand.New(rand.NewChaCha8(seed))

		k := kindCat
		if rng.Float64() < 0.5 {
			k = kindDog
		}

		obj = g.host.Allocate(ctx, objectSize)
		if err := g.host.Memory().Store(obj, []byte{byte(k)}); err != nil {
			g.host.Panic(ctx, err.Error())
		}
		return nil
	})
	return obj, err
}

// ObjectSpeak makes the animal at obj speak. Null is ignored.
func (g *Guest) ObjectSpeak(ctx context.Context, obj entities.Capability) error {
	return g.runner.Run(ctx, "animal_speak", func(ctx context.Context) error {
		if obj.IsNull() {
			return nil
		}
		tag, err := g.host.Memory().Load(obj, 1)
		if err != nil {
			g.host.Panic(ctx, err.Error())
		}
		animal, ok := animalOf(kind(tag[0]))
		if !ok {
			g.host.Panic(ctx, fmt.Sprintf("not an animal: kind %d", tag[0]))
		}
		animal.Speak(ctx, g)
		return nil
	})
}

// ObjectDestroy frees the animal at obj. Null is ignored.
func (g *Guest) ObjectDestroy(ctx context.Context, obj entities.Capability) error {
	return g.runner.Run(ctx, "animal_destroy", func(ctx context.Context) error {
		if obj.IsNull() {
			return nil
		}
		g.host.Deallocate(ctx, obj)
		return nil
	})
}

// ZooTour exercises dynamic dispatch, directly and through the interface.
func (g *Guest) ZooTour(ctx context.Context) error {
	return g.runner.Run(ctx, "zoo_tour", func(ctx context.Context) error {
		speak := func(a Animal) { a.Speak(ctx, g) }

		g.println(ctx, "Making some animals, and testing basic dynamic dispatch:")

		dog := Dog{}
		dog.Speak(ctx, g)
		speak(dog)

		cat := Cat{}
		cat.Speak(ctx, g)
		speak(cat)
		return nil
	})
}
