package utils

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	lserrors "github.com/sonhoai27/localsend/internal/localsend/errors"
	"github.com/sonhoai27/localsend/internal/utils"
)

var aliasAdj = []string{
	"Adorable",
	"Beautiful",
	"Big",
	"Bright",
	"Clean",
	"Clever",
	"Cool",
	"Cute",
	"Cunning",
	"Determined",
	"Energetic",
	"Efficient",
	"Fantastic",
	"Fast",
	"Fine",
	"Fresh",
	"Good",
	"Gorgeous",
	"Great",
	"Handsome",
	"Hot",
	"Kind",
	"Lovely",
	"Mystic",
	"Neat",
	"Nice",
	"Patient",
	"Pretty",
	"Powerful",
	"Rich",
	"Secret",
	"Smart",
	"Solid",
	"Special",
	"Strategic",
	"Strong",
	"Tidy",
	"Wise",
}

var aliasFruit = []string{
	"Apple",
	"Avocado",
	"Banana",
	"Blackberry",
	"Blueberry",
	"Broccoli",
	"Carrot",
	"Cherry",
	"Coconut",
	"Grape",
	"Lemon",
	"Lettuce",
	"Mango",
	"Melon",
	"Mushroom",
	"Onion",
	"Orange",
	"Papaya",
	"Peach",
	"Pear",
	"Pineapple",
	"Potato",
	"Pumpkin",
	"Raspberry",
	"Strawberry",
	"Tomato",
}

// NewWebServer builds the fiber app the receiver serves on. Request bodies
// are streamed so uploads never sit in memory as a whole. proxyHeader, if
// set, is where the caller's address is read from instead of the socket.
func NewWebServer(proxyHeader string) *fiber.App {
	return fiber.New(fiber.Config{
		AppName:               "localsend",
		DisableStartupMessage: true,
		StreamRequestBody:     true,
		ProxyHeader:           proxyHeader,
		ErrorHandler:          errorHandler,
	})
}

func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.SendStatus(fe.Code)
	}

	slog.Error("Request error", "path", c.Path(), "remote", c.IP(), "error", err)
	return c.SendStatus(lserrors.Status(err))
}

func GenAlias() string {
	adj := utils.RandChoice(aliasAdj)
	fruit := utils.RandChoice(aliasFruit)

	return adj + " " + fruit
}
